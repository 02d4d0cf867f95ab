package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robomem/robomem/pkg/core"
)

func res(id core.NodeID) Result {
	return Result{Node: core.Node{ID: id}}
}

func TestFuseRRFScenario(t *testing.T) {
	// Vector: [X=1, Y=2, Z=3]; fulltext: [Y=2, X=1]; tag: [Z=3].
	vector := []Result{res(1), res(2), res(3)}
	fulltext := []Result{res(2), res(1)}
	tag := []Result{res(3)}

	merged := fuseRRF([][]Result{vector, fulltext, tag}, 60, 10)
	require.Len(t, merged, 3)

	byID := map[core.NodeID]float64{}
	for _, m := range merged {
		byID[m.Node.ID] = m.RRFScore
	}
	require.InDelta(t, 1.0/61+1.0/62, byID[1], 1e-12) // X
	require.InDelta(t, 1.0/62+1.0/61, byID[2], 1e-12) // Y
	require.InDelta(t, 1.0/63+1.0/61, byID[3], 1e-12) // Z

	// X and Y tie exactly; first-seen (vector list) order wins.
	require.Equal(t, core.NodeID(1), merged[0].Node.ID)
	require.Equal(t, core.NodeID(2), merged[1].Node.ID)
	require.Equal(t, core.NodeID(3), merged[2].Node.ID)
}

func TestFuseRRFMonotonicity(t *testing.T) {
	oneList := fuseRRF([][]Result{{res(1)}}, 60, 10)
	twoLists := fuseRRF([][]Result{{res(1)}, {res(1)}}, 60, 10)

	require.Greater(t, oneList[0].RRFScore, 0.0)
	require.Greater(t, twoLists[0].RRFScore, oneList[0].RRFScore)
}

func TestFuseRRFEmptyArms(t *testing.T) {
	merged := fuseRRF([][]Result{nil, {res(7)}, nil}, 60, 10)
	require.Len(t, merged, 1)
	require.Equal(t, core.NodeID(7), merged[0].Node.ID)
}

func TestFuseRRFLimit(t *testing.T) {
	merged := fuseRRF([][]Result{{res(1), res(2), res(3)}}, 60, 2)
	require.Len(t, merged, 2)
}

func TestTagDepthScoreExactMatch(t *testing.T) {
	score := TagDepthScore([]string{"a:b:c"}, []string{"a:b:c"})
	require.Equal(t, 1.0, score)
}

func TestTagDepthScorePrefixRatio(t *testing.T) {
	// Node holds "a:b" for query tag "a:b:c": best ratio 2/3.
	score := TagDepthScore([]string{"a:b:c"}, []string{"a:b"})
	require.InDelta(t, 2.0/3.0, score, 1e-9)

	// Root only: 1/3.
	score = TagDepthScore([]string{"a:b:c"}, []string{"a"})
	require.InDelta(t, 1.0/3.0, score, 1e-9)
}

func TestTagDepthScoreMultiMatchBonus(t *testing.T) {
	single := TagDepthScore([]string{"a:b:c"}, []string{"a:b"})
	double := TagDepthScore([]string{"a:b:c", "d:e:f"}, []string{"a:b", "d:e"})
	require.InDelta(t, single+0.05, double, 1e-9)

	// Bonus is capped at 0.2 and the total at 1.0.
	many := TagDepthScore(
		[]string{"a:b", "c:d", "e:f", "g:h", "i:j", "k:l", "m:n"},
		[]string{"a:b", "c:d", "e:f", "g:h", "i:j", "k:l", "m:n"})
	require.Equal(t, 1.0, many)
}

func TestTagDepthScoreNoMatch(t *testing.T) {
	require.Equal(t, 0.0, TagDepthScore([]string{"a:b"}, []string{"x:y"}))
	require.Equal(t, 0.0, TagDepthScore(nil, []string{"x"}))
	require.Equal(t, 0.0, TagDepthScore([]string{"a"}, nil))
}
