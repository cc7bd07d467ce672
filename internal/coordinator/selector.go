package coordinator

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ChuLiYu/memegen-pipeline/pkg/types"
)

// Selector chooses the template and caption for a request.
type Selector interface {
	Pick(sessionID string, templates []types.Template) (types.Template, string, error)
}

// DefaultMaxSessions bounds the number of sessions whose last pick is kept.
const DefaultMaxSessions = 10000

// RandomSelector picks a random template and then a random caption. For a
// template with more than one caption the caption differs from the one last
// returned to the same session. Sessions are independent; the empty session
// id is one shared session.
type RandomSelector struct {
	mu          sync.Mutex
	rng         *rand.Rand
	last        map[string]string
	maxSessions int
}

// NewRandomSelector creates a selector. seed 0 seeds from the clock.
func NewRandomSelector(seed int64) *RandomSelector {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RandomSelector{
		rng:         rand.New(rand.NewSource(seed)),
		last:        make(map[string]string),
		maxSessions: DefaultMaxSessions,
	}
}

func (s *RandomSelector) Pick(sessionID string, templates []types.Template) (types.Template, string, error) {
	usable := make([]types.Template, 0, len(templates))
	for _, tpl := range templates {
		if len(tpl.Captions) > 0 {
			usable = append(usable, tpl)
		}
	}
	if len(usable) == 0 {
		return types.Template{}, "", fmt.Errorf("no template with captions: %w", types.ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tpl := usable[s.rng.Intn(len(usable))]

	caption := tpl.Captions[0]
	if len(tpl.Captions) > 1 {
		prev := s.last[sessionID]
		candidates := make([]string, 0, len(tpl.Captions))
		for _, c := range tpl.Captions {
			if c != prev {
				candidates = append(candidates, c)
			}
		}
		if len(candidates) == 0 {
			candidates = tpl.Captions
		}
		caption = candidates[s.rng.Intn(len(candidates))]
	}

	if _, known := s.last[sessionID]; !known && len(s.last) >= s.maxSessions {
		s.last = make(map[string]string)
	}
	s.last[sessionID] = caption
	return tpl, caption, nil
}
