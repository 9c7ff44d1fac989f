package provision

import "context"

// Draft is a proposed persona. Empty fields are filled by the workflow.
type Draft struct {
	Name      string
	Backstory string
	Traits    []string
}

// ContentGenerator proposes persona names, backstories and traits. It is an
// opaque collaborator, typically a text model behind an HTTP API.
type ContentGenerator interface {
	GeneratePersona(ctx context.Context, hint Draft) (Draft, error)
}

// ImageGenerator renders an avatar for a persona. The result is raw image
// bytes.
type ImageGenerator interface {
	GenerateAvatar(ctx context.Context, name, backstory string) ([]byte, error)
}

// ContentGeneratorFunc adapts a function to ContentGenerator.
type ContentGeneratorFunc func(ctx context.Context, hint Draft) (Draft, error)

func (f ContentGeneratorFunc) GeneratePersona(ctx context.Context, hint Draft) (Draft, error) {
	return f(ctx, hint)
}

// ImageGeneratorFunc adapts a function to ImageGenerator.
type ImageGeneratorFunc func(ctx context.Context, name, backstory string) ([]byte, error)

func (f ImageGeneratorFunc) GenerateAvatar(ctx context.Context, name, backstory string) ([]byte, error) {
	return f(ctx, name, backstory)
}
