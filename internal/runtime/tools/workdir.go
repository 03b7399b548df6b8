package tools

import "context"

type workDirKey struct{}

// WithWorkDir returns a context that makes tools run in dir.
func WithWorkDir(ctx context.Context, dir string) context.Context {
	if dir == "" {
		return ctx
	}
	return context.WithValue(ctx, workDirKey{}, dir)
}

// WorkDir returns the working directory set by WithWorkDir, or "".
func WorkDir(ctx context.Context) string {
	dir, _ := ctx.Value(workDirKey{}).(string)
	return dir
}
