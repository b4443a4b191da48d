package arbiter

import (
	"context"
)

// question is an interface-disagreement escalation awaiting an architect
// ruling.
type question struct {
	Resource   string
	Content    string
	responseCh chan answer
}

type answer struct {
	Contract string
	Error    error
}

// ArchitectFunc produces the ruling for an escalated disagreement: the
// contract text every party must implement.
type ArchitectFunc func(ctx context.Context, resource string, question string) (string, error)

// Escalation manages non-blocking escalation from the arbiter to the
// architect role. Questions are processed one at a time so rulings are
// totally ordered.
type Escalation struct {
	questionCh chan question
	architect  ArchitectFunc
	done       chan struct{}
}

// NewEscalation creates an escalation channel. bufferSize should be about
// twice the dispatch concurrency so arbiter calls do not block each other.
func NewEscalation(bufferSize int, architect ArchitectFunc) *Escalation {
	return &Escalation{
		questionCh: make(chan question, bufferSize),
		architect:  architect,
		done:       make(chan struct{}),
	}
}

// Start launches the ruling handler goroutine.
func (e *Escalation) Start(ctx context.Context) {
	go e.handle(ctx)
}

func (e *Escalation) handle(ctx context.Context) {
	defer close(e.done)

	for {
		select {
		case <-ctx.Done():
			return
		case q := <-e.questionCh:
			contract, err := e.architect(ctx, q.Resource, q.Content)

			select {
			case <-ctx.Done():
				q.responseCh <- answer{Error: ctx.Err()}
				return
			default:
				q.responseCh <- answer{Contract: contract, Error: err}
			}
		}
	}
}

// Ask escalates a disagreement and waits for the ruling. Respects context
// cancellation at both the send and receive stages.
func (e *Escalation) Ask(ctx context.Context, resource string, content string) (string, error) {
	responseCh := make(chan answer, 1)

	q := question{
		Resource:   resource,
		Content:    content,
		responseCh: responseCh,
	}

	select {
	case e.questionCh <- q:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case a := <-responseCh:
		if a.Error != nil {
			return "", a.Error
		}
		return a.Contract, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Stop blocks until the handler goroutine has exited.
func (e *Escalation) Stop() {
	<-e.done
}
