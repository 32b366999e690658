package images

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// Pipeline processes uploads and hands the result to a backend. Deletions
// that fail are passed to the janitor for retry.
type Pipeline struct {
	processor *Processor
	backend   Backend
	janitor   *Janitor
	now       func() time.Time
}

func NewPipeline(processor *Processor, backend Backend, janitor *Janitor) *Pipeline {
	return &Pipeline{processor: processor, backend: backend, janitor: janitor, now: time.Now}
}

// Save returns the public URL of the stored image.
func (p *Pipeline) Save(ctx context.Context, r io.Reader) (string, error) {
	data, err := p.processor.Process(r)
	if err != nil {
		return "", err
	}
	return p.backend.Put(ctx, p.filename(), data)
}

func (p *Pipeline) Discard(ctx context.Context, url string) error {
	if err := p.backend.Delete(ctx, url); err != nil {
		p.janitor.Schedule(url, err)
		return err
	}
	p.janitor.observe(OutcomeDeleted)
	return nil
}

func (p *Pipeline) filename() string {
	return fmt.Sprintf("%d-%s.jpg", p.now().UnixMilli(), uuid.NewString())
}
