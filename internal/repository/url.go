// Package repository fetches the source repository that gets indexed.
//
// It clones with go-git, shallow and single-branch, authenticating HTTPS
// remotes with a GitHub token when one is configured. SSH remotes rely on
// the local ssh-agent. The default branch of a GitHub repository can be
// resolved through the GitHub API.
package repository

import (
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/fyrsmithlabs/repocontextd/internal/config"
)

// DefaultName is used when no usable name can be derived from a URL.
const DefaultName = "default_repo"

// tokenUser is the username GitHub expects alongside a token password.
const tokenUser = "x-access-token"

var (
	unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)
	userinfo   = regexp.MustCompile(`://[^/@\s]+@`)
)

// Name derives a filesystem-safe repository name from url: the last path
// segment without ".git", with unsafe characters replaced by "_".
func Name(url string) string {
	url = strings.TrimRight(url, "/")
	if url == "" {
		return DefaultName
	}
	last := url[strings.LastIndexAny(url, "/:")+1:]
	last = strings.TrimSuffix(last, ".git")
	safe := unsafeName.ReplaceAllString(last, "_")
	if safe == "" {
		return DefaultName
	}
	return safe
}

// IsSSH reports whether url uses the scp-like or ssh:// form.
func IsSSH(url string) bool {
	return strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")
}

// IsHTTP reports whether url is an http or https remote.
func IsHTTP(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

// AuthFor returns the go-git auth method for url. HTTPS with a token uses
// basic auth. SSH and unauthenticated remotes return nil, which lets go-git
// fall back to its defaults.
func AuthFor(url string, token config.Secret) transport.AuthMethod {
	if IsSSH(url) || !IsHTTP(url) || !token.IsSet() {
		return nil
	}
	return &githttp.BasicAuth{Username: tokenUser, Password: token.Value()}
}

// MaskURL hides any credentials embedded in url.
func MaskURL(url string) string {
	return userinfo.ReplaceAllString(url, "://***@")
}
