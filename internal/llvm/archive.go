package llvm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kyleseneker/cibuild/internal/diag"
)

// Archiver drives llvm-ar over static archives.
type Archiver struct {
	Ar      string
	Run     RunFunc
	Timeout time.Duration
}

func (a Archiver) exec(ctx context.Context, args ...string) (Result, error) {
	run := a.Run
	if run == nil {
		run = Run
	}
	res, err := run(ctx, a.Timeout, a.Ar, args...)
	if err != nil {
		return res, &diag.Error{
			Stage:   diag.StageArchive,
			Command: res.Command,
			Stderr:  res.Stderr,
			Err:     err,
		}
	}
	return res, nil
}

// Members lists the member names of archive in archive order.
func (a Archiver) Members(ctx context.Context, archive string) ([]string, error) {
	res, err := a.exec(ctx, "t", archive)
	if err != nil {
		return nil, err
	}
	var members []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			members = append(members, line)
		}
	}
	return members, nil
}

// InsertBefore inserts file into archive ahead of the existing member
// before. The new member is named after file's base name.
func (a Archiver) InsertBefore(ctx context.Context, archive, before, file string) error {
	if before == "" {
		return fmt.Errorf("insert into %s: empty relative member", archive)
	}
	_, err := a.exec(ctx, "rb", before, archive, file)
	return err
}

// Delete removes member from archive.
func (a Archiver) Delete(ctx context.Context, archive, member string) error {
	_, err := a.exec(ctx, "d", archive, member)
	return err
}
