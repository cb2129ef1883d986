package speech

import (
	"context"
	"strings"
)

// SourceKind tells how the text of a Source becomes available.
type SourceKind int

const (
	// SourceText is a string known up front.
	SourceText SourceKind = iota
	// SourceAwait is a string produced by an asynchronous call.
	SourceAwait
	// SourceStream is a sequence of fragments delivered over a channel.
	SourceStream
)

func (k SourceKind) String() string {
	switch k {
	case SourceText:
		return "text"
	case SourceAwait:
		return "await"
	case SourceStream:
		return "stream"
	default:
		return "unknown"
	}
}

// Source supplies the text of a speech in one of three shapes.
type Source struct {
	kind      SourceKind
	text      string
	await     func(ctx context.Context) (string, error)
	fragments <-chan string
}

// Text returns a Source holding s.
func Text(s string) Source {
	return Source{kind: SourceText, text: s}
}

// Await returns a Source whose text is produced by fn.
func Await(fn func(ctx context.Context) (string, error)) Source {
	return Source{kind: SourceAwait, await: fn}
}

// Stream returns a Source that yields fragments until ch is closed.
func Stream(ch <-chan string) Source {
	if ch == nil {
		closed := make(chan string)
		close(closed)
		ch = closed
	}
	return Source{kind: SourceStream, fragments: ch}
}

func (s Source) Kind() SourceKind { return s.kind }

// Resolve returns the complete text. A stream is read to the end and
// concatenated.
func (s Source) Resolve(ctx context.Context) (string, error) {
	switch s.kind {
	case SourceAwait:
		if s.await == nil {
			return "", nil
		}
		return s.await(ctx)
	case SourceStream:
		var b strings.Builder
		err := s.Each(ctx, func(fragment string) error {
			b.WriteString(fragment)
			return nil
		})
		return b.String(), err
	default:
		return s.text, nil
	}
}

// Each calls fn for every fragment in order. Text and awaited sources yield
// a single fragment.
func (s Source) Each(ctx context.Context, fn func(fragment string) error) error {
	if s.kind != SourceStream {
		text, err := s.Resolve(ctx)
		if err != nil {
			return err
		}
		return fn(text)
	}
	for {
		select {
		case fragment, ok := <-s.fragments:
			if !ok {
				return nil
			}
			if err := fn(fragment); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
