package coordinator

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/memegen-pipeline/pkg/types"
)

func TestSelectorNeverRepeatsWithinSession(t *testing.T) {
	s := NewRandomSelector(1)
	tpls := []types.Template{{ID: "t", Captions: []string{"a", "b", "c"}}}

	prev := ""
	for i := 0; i < 200; i++ {
		_, caption, err := s.Pick("session-1", tpls)
		require.NoError(t, err)
		assert.NotEqual(t, prev, caption)
		prev = caption
	}
}

func TestSelectorSessionsAreIndependent(t *testing.T) {
	s := NewRandomSelector(3)
	tpls := []types.Template{{ID: "t", Captions: []string{"a", "b"}}}

	_, a1, _ := s.Pick("alice", tpls)
	_, b1, _ := s.Pick("bob", tpls)
	_, a2, _ := s.Pick("alice", tpls)
	_, b2, _ := s.Pick("bob", tpls)

	assert.NotEqual(t, a1, a2)
	assert.NotEqual(t, b1, b2)
}

func TestSelectorSingleCaption(t *testing.T) {
	s := NewRandomSelector(1)
	tpls := []types.Template{{ID: "t", Captions: []string{"hi"}}}

	for i := 0; i < 3; i++ {
		_, caption, err := s.Pick("", tpls)
		require.NoError(t, err)
		assert.Equal(t, "hi", caption)
	}
}

func TestSelectorSkipsTemplatesWithoutCaptions(t *testing.T) {
	s := NewRandomSelector(1)

	_, _, err := s.Pick("", []types.Template{{ID: "empty"}})
	assert.ErrorIs(t, err, types.ErrNotFound)

	for i := 0; i < 20; i++ {
		tpl, _, err := s.Pick("", []types.Template{{ID: "empty"}, {ID: "full", Captions: []string{"x"}}})
		require.NoError(t, err)
		assert.Equal(t, "full", tpl.ID)
	}
}

func TestSelectorBoundsSessions(t *testing.T) {
	s := NewRandomSelector(1)
	s.maxSessions = 10
	tpls := []types.Template{{ID: "t", Captions: []string{"a", "b"}}}

	for i := 0; i < 25; i++ {
		_, _, err := s.Pick(fmt.Sprintf("s%d", i), tpls)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, len(s.last), 10)
}

func TestSelectorConcurrentUse(t *testing.T) {
	s := NewRandomSelector(1)
	tpls := []types.Template{{ID: "t1", Captions: []string{"a", "b"}}, {ID: "t2", Captions: []string{"c"}}}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _, err := s.Pick(fmt.Sprintf("s%d", i%4), tpls)
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()
}
