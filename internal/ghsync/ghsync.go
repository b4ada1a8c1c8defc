// Package ghsync reconciles threads against GitHub pull request state.
// A thread whose pull request merged or closed has nothing left to do,
// so the sync pass archives it.
package ghsync

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/go-github/v68/github"
	"github.com/spindle-dev/spindle/internal/models"
	"github.com/spindle-dev/spindle/internal/threads"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

// Result summarizes one sync pass.
type Result struct {
	Linked   int
	Archived int
	Failures int
}

// Syncer polls pull request state for active threads.
type Syncer struct {
	db     *gorm.DB
	svc    *threads.Service
	client *github.Client
}

// New creates a Syncer authenticated with the given token.
func New(db *gorm.DB, svc *threads.Service, token string) *Syncer {
	httpClient := oauth2.NewClient(context.Background(),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	return &Syncer{db: db, svc: svc, client: github.NewClient(httpClient)}
}

// NewWithClient creates a Syncer around an existing client, for tests
// pointing at a stub server.
func NewWithClient(db *gorm.DB, svc *threads.Service, client *github.Client) *Syncer {
	return &Syncer{db: db, svc: svc, client: client}
}

// Sync runs one pass: link threads to the pull requests opened from
// their branches, then archive threads whose pull request is merged or
// closed. Per-thread failures never abort the pass.
func (s *Syncer) Sync(ctx context.Context) (*Result, error) {
	var active []models.Thread
	if err := s.db.Where("archived = ?", false).Find(&active).Error; err != nil {
		return nil, fmt.Errorf("ghsync: scan threads: %w", err)
	}

	result := &Result{}
	for _, thread := range active {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := s.syncThread(ctx, thread, result); err != nil {
			result.Failures++
			log.Printf("ghsync: thread %s: %v", thread.ID, err)
		}
	}
	return result, nil
}

func (s *Syncer) syncThread(ctx context.Context, thread models.Thread, result *Result) error {
	owner, repo, err := splitRepo(thread.GithubRepoFullName)
	if err != nil {
		return err
	}

	if thread.PRNumber == nil {
		number, err := s.findPR(ctx, owner, repo, thread.BranchName)
		if err != nil {
			return err
		}
		if number == 0 {
			return nil
		}
		if err := s.db.Model(&models.Thread{}).Where("id = ?", thread.ID).
			Update("pr_number", number).Error; err != nil {
			return fmt.Errorf("link pr #%d: %w", number, err)
		}
		thread.PRNumber = &number
		result.Linked++
	}

	pr, _, err := s.client.PullRequests.Get(ctx, owner, repo, *thread.PRNumber)
	if err != nil {
		return fmt.Errorf("get pr #%d: %w", *thread.PRNumber, err)
	}
	if pr.GetState() != "closed" {
		return nil
	}

	// Merged and closed-unmerged both end the thread's useful life. An
	// active chat blocks archival; the next pass retries once it
	// settles.
	if err := s.svc.Archive(thread.ID); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	result.Archived++
	return nil
}

// findPR returns the number of the open or closed pull request whose
// head is the thread's branch, or 0 when none exists yet.
func (s *Syncer) findPR(ctx context.Context, owner, repo, branch string) (int, error) {
	prs, _, err := s.client.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{
		Head:        fmt.Sprintf("%s:%s", owner, branch),
		State:       "all",
		ListOptions: github.ListOptions{PerPage: 1},
	})
	if err != nil {
		return 0, fmt.Errorf("list prs for %s: %w", branch, err)
	}
	if len(prs) == 0 {
		return 0, nil
	}
	return prs[0].GetNumber(), nil
}

func splitRepo(fullName string) (string, string, error) {
	owner, repo, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || repo == "" {
		return "", "", fmt.Errorf("ghsync: repo %q is not owner/name", fullName)
	}
	return owner, repo, nil
}
