package repository

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/repocontextd/internal/config"
)

// AutoBranch asks the resolver to look up the default branch.
const AutoBranch = "auto"

// FallbackBranch is used when the default branch cannot be resolved.
const FallbackBranch = "main"

var githubRemote = regexp.MustCompile(`^(?:https?://(?:[^@/]+@)?github\.com/|git@github\.com:|ssh://git@github\.com/)([^/]+)/([^/]+?)(?:\.git)?/?$`)

// ParseGitHub extracts owner and repo from a GitHub remote URL.
func ParseGitHub(url string) (owner, repo string, ok bool) {
	m := githubRemote.FindStringSubmatch(strings.TrimSpace(url))
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// BranchResolver maps the "auto" branch to the repository's default.
type BranchResolver struct {
	client *github.Client
	logger *zap.Logger
}

// NewBranchResolver creates a resolver. A set token authenticates API calls
// through an oauth2 token source, which private repositories require.
func NewBranchResolver(ctx context.Context, token config.Secret, logger *zap.Logger) *BranchResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	var hc *http.Client
	if token.IsSet() {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
		hc = oauth2.NewClient(ctx, ts)
	}
	return &BranchResolver{client: github.NewClient(hc), logger: logger}
}

// WithClient replaces the GitHub client, for tests and GitHub Enterprise.
func (r *BranchResolver) WithClient(c *github.Client) *BranchResolver {
	r.client = c
	return r
}

// Resolve returns branch unchanged unless it is empty or "auto". For GitHub
// remotes the default branch is fetched; anything else falls back to main.
func (r *BranchResolver) Resolve(ctx context.Context, url, branch string) string {
	if branch != "" && branch != AutoBranch {
		return branch
	}
	owner, repo, ok := ParseGitHub(url)
	if !ok {
		return FallbackBranch
	}
	gh, _, err := r.client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		r.logger.Warn("default branch lookup failed, using fallback",
			zap.String("repository", owner+"/"+repo),
			zap.String("fallback", FallbackBranch),
			zap.Error(err),
		)
		return FallbackBranch
	}
	if b := gh.GetDefaultBranch(); b != "" {
		r.logger.Info("resolved default branch", zap.String("repository", owner+"/"+repo), zap.String("branch", b))
		return b
	}
	return FallbackBranch
}
