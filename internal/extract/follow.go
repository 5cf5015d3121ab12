package extract

import (
	"fmt"
	"net/url"
	"regexp"

	"github.com/soheilrt/play-scraper/internal/domain"
)

// FollowRule turns matching links on a fetched page into follow-up tasks.
// The first capture group of Pattern is the new task's target.
type FollowRule struct {
	Kind    string
	Pattern *regexp.Regexp
}

// NewFollowRule compiles pattern for kind.
func NewFollowRule(kind, pattern string) (FollowRule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return FollowRule{}, fmt.Errorf("follow rule for %s: %w", kind, err)
	}
	if re.NumSubexp() < 1 {
		return FollowRule{}, fmt.Errorf("follow rule for %s: pattern %q needs a capture group", kind, pattern)
	}
	return FollowRule{Kind: kind, Pattern: re}, nil
}

// Match returns the follow-up task for href, if any.
func (f FollowRule) Match(href string) (*domain.Task, bool) {
	m := f.Pattern.FindStringSubmatch(href)
	if len(m) < 2 || m[1] == "" {
		return nil, false
	}
	target := m[1]
	if unescaped, err := url.QueryUnescape(target); err == nil {
		target = unescaped
	}
	task := domain.NewTask(f.Kind, target, nil)
	if task.Validate() != nil {
		return nil, false
	}
	return task, true
}

// discoverer collects unique follow-ups across the links of one page.
type discoverer struct {
	rules []FollowRule
	self  string
	seen  map[string]struct{}
	tasks []*domain.Task
}

func newDiscoverer(rules []FollowRule, selfID string) *discoverer {
	return &discoverer{rules: rules, self: selfID, seen: make(map[string]struct{})}
}

func (d *discoverer) add(href string) {
	for _, rule := range d.rules {
		task, ok := rule.Match(href)
		if !ok || task.ID == d.self {
			continue
		}
		if _, dup := d.seen[task.ID]; dup {
			continue
		}
		d.seen[task.ID] = struct{}{}
		d.tasks = append(d.tasks, task)
	}
}
