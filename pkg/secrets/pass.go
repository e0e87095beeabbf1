package secrets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Compile-time assertion that PassStore satisfies Store.
var _ Store = (*PassStore)(nil)

// runFunc abstracts pass(1) invocation so tests can substitute a fake.
type runFunc func(ctx context.Context, stdin string, args ...string) (stdout, stderr string, err error)

// PassStore stores secrets via the pass(1) password manager. Values are
// encrypted at rest with the user's GPG key.
type PassStore struct {
	run runFunc
}

// NewPassStore creates a PassStore that shells out to the pass binary.
func NewPassStore() *PassStore {
	return &PassStore{run: runPass}
}

// Available reports whether the pass binary can be found on this system.
// It does not verify that the password store is initialised; an
// uninitialised store surfaces as per-operation errors instead.
func (s *PassStore) Available() bool {
	_, _, err := s.run(context.Background(), "", "version")
	return !errors.Is(err, ErrUnavailable)
}

// Get retrieves the secret stored under key.
func (s *PassStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	stdout, stderr, err := s.run(ctx, "", "show", key)
	if err != nil {
		if isPassMissingEntry(stderr) {
			return "", fmt.Errorf("pass show %q: %w", key, ErrNotFound)
		}
		return "", passError("get", key, err, stderr)
	}
	stdout = strings.TrimSuffix(stdout, "\n")
	stdout = strings.TrimSuffix(stdout, "\r")
	return stdout, nil
}

// Set stores value under key, overwriting any previous entry.
func (s *PassStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, stderr, err := s.run(ctx, value+"\n", "insert", "-m", "-f", key)
	if err != nil {
		return passError("set", key, err, stderr)
	}
	return nil
}

// Delete removes the entry under key. Absent entries are not an error.
func (s *PassStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, stderr, err := s.run(ctx, "", "rm", "-f", key)
	if err != nil {
		if isPassMissingEntry(stderr) {
			return nil
		}
		return passError("delete", key, err, stderr)
	}
	return nil
}

// isPassMissingEntry recognises the stderr pass(1) emits for an entry that
// does not exist in the password store.
func isPassMissingEntry(stderr string) bool {
	return strings.Contains(stderr, "is not in the password store")
}

func passError(op, key string, err error, stderr string) error {
	if stderr == "" {
		return fmt.Errorf("pass %s %q: %w", op, key, err)
	}
	return fmt.Errorf("pass %s %q: %w: %s", op, key, err, stderr)
}

// runPass locates and executes the pass binary.
func runPass(ctx context.Context, stdin string, args ...string) (string, string, error) {
	path, err := exec.LookPath("pass")
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", "", ErrUnavailable
		}
		return "", "", fmt.Errorf("locate pass binary: %w", err)
	}

	cmd := exec.CommandContext(ctx, path, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	return stdout.String(), strings.TrimSpace(stderr.String()), err
}
