//go:build e2e

package e2e

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeGitHubAPI struct {
	mu sync.Mutex

	server *httptest.Server

	orgRepos  map[string][]string
	userRepos map[string][]string
	repoData  map[string]repositoryFixture
	failures  map[string]*failureRule
	callCount map[string]int
}

type failureRule struct {
	status    int
	remaining int
	body      map[string]string
}

type repositoryFixture struct {
	Contributors []fixtureContributor
}

type fixtureContributor struct {
	User   string
	ID     int64
	NodeID string
	Weeks  []fixtureContributorWeek
}

type fixtureContributorWeek struct {
	WeekStart time.Time
	Additions int
	Deletions int
	Commits   int
}

func newFakeGitHubAPI(t *testing.T) *fakeGitHubAPI {
	t.Helper()

	fixture := &fakeGitHubAPI{
		orgRepos:  make(map[string][]string),
		userRepos: make(map[string][]string),
		repoData:  make(map[string]repositoryFixture),
		failures:  make(map[string]*failureRule),
		callCount: make(map[string]int),
	}
	fixture.server = httptest.NewServer(http.HandlerFunc(fixture.serveHTTP))
	t.Cleanup(fixture.Close)
	return fixture
}

func (f *fakeGitHubAPI) URL() string {
	if f == nil || f.server == nil {
		return ""
	}
	return f.server.URL
}

func (f *fakeGitHubAPI) Close() {
	if f == nil || f.server == nil {
		return
	}
	f.server.Close()
}

func (f *fakeGitHubAPI) SetOrgRepos(org string, repos []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orgRepos[strings.TrimSpace(org)] = append([]string(nil), repos...)
}

func (f *fakeGitHubAPI) SetUserRepos(user string, repos []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userRepos[strings.TrimSpace(user)] = append([]string(nil), repos...)
}

func (f *fakeGitHubAPI) SetRepository(owner string, repo string, data repositoryFixture) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repoData[repoKey(owner, repo)] = data
}

func (f *fakeGitHubAPI) FailPath(path string, statusCode int, times int) {
	if statusCode <= 0 || times <= 0 {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[path] = &failureRule{
		status:    statusCode,
		remaining: times,
		body: map[string]string{
			"message": fmt.Sprintf("forced failure for %s", path),
		},
	}
}

func (f *fakeGitHubAPI) PathCallCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount[path]
}

func (f *fakeGitHubAPI) serveHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	f.incrementCall(path)

	if f.tryFailPath(path, w) {
		return
	}

	segments := splitPath(path)
	if len(segments) == 3 && segments[0] == "orgs" && segments[2] == "repos" {
		f.handleOwnerRepos(w, segments[1], true)
		return
	}
	if len(segments) == 3 && segments[0] == "users" && segments[2] == "repos" {
		f.handleOwnerRepos(w, segments[1], false)
		return
	}
	if len(segments) == 5 && segments[0] == "repos" && segments[3] == "stats" && segments[4] == "contributors" {
		data, found := f.getRepository(segments[1], segments[2])
		if !found {
			f.writeJSON(w, http.StatusNotFound, map[string]string{"message": "repository not found"})
			return
		}
		f.writeContributorStats(w, data)
		return
	}
	f.writeJSON(w, http.StatusNotFound, map[string]string{"message": "route not found"})
}

func (f *fakeGitHubAPI) incrementCall(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount[path]++
}

func (f *fakeGitHubAPI) tryFailPath(path string, w http.ResponseWriter) bool {
	f.mu.Lock()
	rule, ok := f.failures[path]
	if ok && rule.remaining > 0 {
		rule.remaining--
		status := rule.status
		body := rule.body
		f.mu.Unlock()
		f.writeJSON(w, status, body)
		return true
	}
	f.mu.Unlock()
	return false
}

func (f *fakeGitHubAPI) handleOwnerRepos(w http.ResponseWriter, owner string, orgRoute bool) {
	f.mu.Lock()
	var repos []string
	var ok bool
	if orgRoute {
		repos, ok = f.orgRepos[owner]
	} else {
		repos, ok = f.userRepos[owner]
	}
	repos = append([]string(nil), repos...)
	f.mu.Unlock()

	if !ok {
		f.writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
		return
	}

	payload := make([]map[string]any, 0, len(repos))
	for _, repo := range repos {
		payload = append(payload, map[string]any{
			"name":      repo,
			"full_name": owner + "/" + repo,
			"owner":     map[string]any{"login": owner},
			"archived":  false,
			"disabled":  false,
			"fork":      false,
		})
	}
	f.writeJSON(w, http.StatusOK, payload)
}

func (f *fakeGitHubAPI) getRepository(owner string, repo string) (repositoryFixture, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result, ok := f.repoData[repoKey(owner, repo)]
	return result, ok
}

func (f *fakeGitHubAPI) writeContributorStats(w http.ResponseWriter, data repositoryFixture) {
	payload := make([]map[string]any, 0, len(data.Contributors))
	for _, contributor := range data.Contributors {
		total := 0
		weeks := make([]map[string]any, 0, len(contributor.Weeks))
		for _, week := range contributor.Weeks {
			total += week.Commits
			weeks = append(weeks, map[string]any{
				"w": week.WeekStart.UTC().Unix(),
				"a": week.Additions,
				"d": week.Deletions,
				"c": week.Commits,
			})
		}
		payload = append(payload, map[string]any{
			"total": total,
			"author": map[string]any{
				"login":      contributor.User,
				"id":         contributor.ID,
				"node_id":    contributor.NodeID,
				"avatar_url": "https://avatars.example/" + contributor.User,
			},
			"weeks": weeks,
		})
	}
	f.writeJSON(w, http.StatusOK, payload)
}

func (f *fakeGitHubAPI) writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-RateLimit-Remaining", "4500")
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
	w.WriteHeader(statusCode)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		return
	}
}

func splitPath(path string) []string {
	trimmed := strings.TrimSpace(path)
	trimmed = strings.Trim(trimmed, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func repoKey(owner string, repo string) string {
	return strings.TrimSpace(owner) + "/" + strings.TrimSpace(repo)
}
