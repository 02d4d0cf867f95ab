package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidTagName(t *testing.T) {
	tests := []struct {
		name  string
		tag   string
		depth int
		want  bool
	}{
		{"single segment", "robotics", 4, true},
		{"nested", "robotics:arm:calibration", 4, true},
		{"hyphen and digits", "sensor-2:lidar", 4, true},
		{"empty", "", 4, false},
		{"uppercase", "Robotics", 4, false},
		{"space", "robot arm", 4, false},
		{"trailing colon", "robotics:", 4, false},
		{"too deep", "a:b:c:d:e", 4, false},
		{"at max depth", "a:b:c:d", 4, true},
		{"duplicate segment", "arm:joint:arm2:joint", 4, false},
		{"root equals leaf", "arm:joint:arm", 4, false},
		{"root equals leaf depth 2", "arm:arm", 4, false},
		{"depth 1 identical is fine", "arm", 4, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ValidTagName(tt.tag, tt.depth))
		})
	}
}

func TestTagAncestors(t *testing.T) {
	require.Equal(t, []string{"a", "a:b", "a:b:c"}, TagAncestors("a:b:c"))
	require.Equal(t, []string{"solo"}, TagAncestors("solo"))
}

func TestTagRootAndDepth(t *testing.T) {
	require.Equal(t, "a", TagRoot("a:b:c"))
	require.Equal(t, "solo", TagRoot("solo"))
	require.Equal(t, 3, TagDepth("a:b:c"))
	require.Equal(t, 1, TagDepth("solo"))
}

func TestCommonPrefixDepth(t *testing.T) {
	tests := []struct {
		a, b []string
		want int
	}{
		{[]string{"a", "b", "c"}, []string{"a", "b", "c"}, 3},
		{[]string{"a", "b", "c"}, []string{"a", "b"}, 2},
		{[]string{"a", "b"}, []string{"a", "x"}, 1},
		{[]string{"a"}, []string{"x"}, 0},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, CommonPrefixDepth(tt.a, tt.b))
	}
}
