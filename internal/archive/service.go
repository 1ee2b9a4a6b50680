// Package archive keeps a git history of each space's document. Every
// snapshot commits the document rendered as markdown, so a finished space
// can be browsed and diffed with ordinary git tooling.
package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/stumn/Chatment-sub000/internal/store"
)

const documentFile = "document.md"

// CommitInfo describes one archived snapshot.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// Service manages one git repository per space under baseDir. Repository
// access is serialized per space; go-git worktrees are not safe for
// concurrent commits.
type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[int64]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[int64]*sync.Mutex),
	}
}

// EnsureSpaceRepo initializes the space's repository with an empty document
// on main. Calling it for an existing repository is a no-op.
func (s *Service) EnsureSpaceRepo(spaceID int64, spaceName, author string) error {
	lock := s.spaceLock(spaceID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(spaceID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	markdown := RenderMarkdown(spaceName, nil)
	if err := os.WriteFile(filepath.Join(path, documentFile), []byte(markdown), 0o644); err != nil {
		return fmt.Errorf("write initial document: %w", err)
	}
	if _, err := worktree.Add(documentFile); err != nil {
		return fmt.Errorf("git add initial document: %w", err)
	}
	hash, err := worktree.Commit("Create space archive", &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return fmt.Errorf("commit initial document: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// Snapshot commits the current document state. Snapshots with no content
// change still commit, so a "space finished" marker always lands in history.
func (s *Service) Snapshot(spaceID int64, spaceName string, posts []store.Post, author, message string) (CommitInfo, error) {
	lock := s.spaceLock(spaceID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(spaceID))
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	markdown := RenderMarkdown(spaceName, posts)
	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, documentFile), []byte(markdown), 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write document: %w", err)
	}
	if _, err := worktree.Add(documentFile); err != nil {
		return CommitInfo{}, fmt.Errorf("git add document: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature(author),
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit document: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// Head returns the latest archived markdown and its commit.
func (s *Service) Head(spaceID int64) (string, CommitInfo, error) {
	lock := s.spaceLock(spaceID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(spaceID))
	if err != nil {
		return "", CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return "", CommitInfo{}, fmt.Errorf("resolve main: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return "", CommitInfo{}, fmt.Errorf("load commit object: %w", err)
	}
	markdown, err := readDocumentFromCommit(commitObj)
	if err != nil {
		return "", CommitInfo{}, err
	}
	return markdown, toCommitInfo(commitObj), nil
}

// ContentByHash returns the archived markdown at a specific commit.
func (s *Service) ContentByHash(spaceID int64, hash string) (string, error) {
	lock := s.spaceLock(spaceID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(spaceID))
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}
	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return "", err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return "", fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readDocumentFromCommit(commitObj)
}

// History lists archived snapshots, newest first.
func (s *Service) History(spaceID int64, limit int) ([]CommitInfo, error) {
	lock := s.spaceLock(spaceID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(spaceID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// RenderMarkdown turns the ordered document rows into the archived markdown
// form: the space name as title, rows as nested list items by indent level.
func RenderMarkdown(spaceName string, posts []store.Post) string {
	var b strings.Builder
	b.WriteString("# ")
	b.WriteString(spaceName)
	b.WriteString("\n")
	for _, p := range posts {
		b.WriteString("\n")
		b.WriteString(strings.Repeat("  ", p.IndentLevel))
		b.WriteString("- ")
		b.WriteString(strings.ReplaceAll(p.Content, "\n", " "))
	}
	b.WriteString("\n")
	return b.String()
}

func (s *Service) repoPath(spaceID int64) string {
	return filepath.Join(s.baseDir, fmt.Sprintf("space-%d", spaceID))
}

func (s *Service) spaceLock(spaceID int64) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[spaceID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[spaceID] = lock
	return lock
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.chatment.dev", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func readDocumentFromCommit(commitObj *object.Commit) (string, error) {
	file, err := commitObj.File(documentFile)
	if err != nil {
		return "", fmt.Errorf("load %s from commit: %w", documentFile, err)
	}
	content, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("read document contents: %w", err)
	}
	return content, nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
