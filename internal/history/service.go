// Package history keeps a git repository per saved session so earlier saves
// can be listed and reopened.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"mindtrail/api/internal/graph"
)

const snapshotFile = "session.json"

var (
	ErrNotFound  = errors.New("history not found")
	ErrInvalidID = errors.New("invalid session id")

	validID = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	mainRef = plumbing.NewBranchReferenceName("main")
)

type Version struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	author  string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		author:  "Mindtrail",
		locks:   make(map[string]*sync.Mutex),
	}
}

// Record commits the session snapshot, creating the repository on first use.
func (s *Service) Record(session graph.Session, message string) (Version, error) {
	if !validID.MatchString(session.ID) {
		return Version{}, ErrInvalidID
	}
	lock := s.sessionLock(session.ID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(session.ID)
	if err != nil {
		return Version{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Version{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return Version{}, fmt.Errorf("marshal session: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), snapshotFile), append(payload, '\n'), 0o644); err != nil {
		return Version{}, fmt.Errorf("write %s: %w", snapshotFile, err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return Version{}, fmt.Errorf("git add snapshot: %w", err)
	}

	if message == "" {
		message = fmt.Sprintf("Save %q (%d concepts, %d messages)", session.Name, len(session.Nodes), len(session.Messages))
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  s.author,
			Email: "mindtrail@localhost",
			When:  time.Now(),
		},
	})
	if err != nil {
		return Version{}, fmt.Errorf("commit snapshot: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Version{}, fmt.Errorf("read commit object: %w", err)
	}
	return toVersion(commitObj), nil
}

// History lists versions newest first; limit <= 0 means all.
func (s *Service) History(sessionID string, limit int) ([]Version, error) {
	repo, unlock, err := s.open(sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ref, err := repo.Reference(mainRef, true)
	if err != nil {
		return nil, ErrNotFound
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Version, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toVersion(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Snapshot returns the session as it was saved at hash (full or abbreviated).
func (s *Service) Snapshot(sessionID, hash string) (graph.Session, Version, error) {
	repo, unlock, err := s.open(sessionID)
	if err != nil {
		return graph.Session{}, Version{}, err
	}
	defer unlock()

	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return graph.Session{}, Version{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return graph.Session{}, Version{}, ErrNotFound
	}
	session, err := readSnapshot(commitObj)
	if err != nil {
		return graph.Session{}, Version{}, err
	}
	return session, toVersion(commitObj), nil
}

// Remove deletes the session's repository. Missing repositories are not an error.
func (s *Service) Remove(sessionID string) error {
	if !validID.MatchString(sessionID) {
		return ErrInvalidID
	}
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	if err := os.RemoveAll(s.repoPath(sessionID)); err != nil {
		return fmt.Errorf("remove history for %s: %w", sessionID, err)
	}
	return nil
}

func (s *Service) open(sessionID string) (*git.Repository, func(), error) {
	if !validID.MatchString(sessionID) {
		return nil, nil, ErrInvalidID
	}
	lock := s.sessionLock(sessionID)
	lock.Lock()
	repo, err := git.PlainOpen(s.repoPath(sessionID))
	if err != nil {
		lock.Unlock()
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, lock.Unlock, nil
}

func (s *Service) openOrInit(sessionID string) (*git.Repository, error) {
	path := s.repoPath(sessionID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, mainRef)); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(sessionID string) string {
	return filepath.Join(s.baseDir, sessionID)
}

func (s *Service) sessionLock(sessionID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[sessionID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[sessionID] = lock
	return lock
}

func readSnapshot(commitObj *object.Commit) (graph.Session, error) {
	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return graph.Session{}, fmt.Errorf("load %s from commit: %w", snapshotFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return graph.Session{}, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return graph.Session{}, fmt.Errorf("read snapshot: %w", err)
	}
	var session graph.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return graph.Session{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return session, nil
}

func toVersion(commitObj *object.Commit) Version {
	return Version{
		Hash:      commitObj.Hash.String(),
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	if len(hash) < 4 {
		return plumbing.ZeroHash, ErrNotFound
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, ErrNotFound
	}
	return *resolved, nil
}
