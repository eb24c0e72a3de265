package pipeline

import "context"

// Resolver turns a path from the input list into a local file the video
// backend can open. release is called once the record is decoded.
type Resolver interface {
	Resolve(ctx context.Context, path string) (local string, release func(), err error)
}

// LocalResolver uses paths as they are.
type LocalResolver struct{}

func (LocalResolver) Resolve(_ context.Context, path string) (string, func(), error) {
	return path, func() {}, nil
}
