package composer

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var hrefPattern = regexp.MustCompile(`href="(https?://[^"]+)"`)

// LinkStore persists a tracked link and returns its id.
type LinkStore interface {
	CreateLink(ctx context.Context, messageID uuid.UUID, originalURL string) (uuid.UUID, error)
}

// LinkRewriter points absolute hrefs at the click tracking endpoint.
type LinkRewriter struct {
	store   LinkStore
	baseURL string
}

func NewLinkRewriter(store LinkStore, trackingBaseURL string) *LinkRewriter {
	return &LinkRewriter{store: store, baseURL: strings.TrimRight(trackingBaseURL, "/")}
}

// Rewrite replaces every absolute link in html. Links already pointing at
// the tracking host are left alone, as is the same URL seen twice (it keeps
// the first link id).
func (r *LinkRewriter) Rewrite(ctx context.Context, messageID uuid.UUID, html string) (string, error) {
	ids := make(map[string]uuid.UUID)
	var firstErr error

	out := hrefPattern.ReplaceAllStringFunc(html, func(match string) string {
		if firstErr != nil {
			return match
		}
		target := hrefPattern.FindStringSubmatch(match)[1]
		if strings.HasPrefix(target, r.baseURL+"/api/track/") {
			return match
		}
		id, ok := ids[target]
		if !ok {
			var err error
			id, err = r.store.CreateLink(ctx, messageID, target)
			if err != nil {
				firstErr = fmt.Errorf("create link: %w", err)
				return match
			}
			ids[target] = id
		}
		return fmt.Sprintf(`href="%s/api/track/click/%s/%s"`, r.baseURL, messageID, id)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}
