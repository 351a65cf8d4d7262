package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindCheckpoint(t *testing.T) {
	cps := []CheckpointInfo{
		{ID: "4f1c2a9e0b7d", Agent: "recon"},
		{ID: "4f1c2a9e55aa", Agent: "xss-vuln"},
		{ID: "9e3b001122cc", Agent: "report"},
	}

	tests := []struct {
		name    string
		id      string
		want    string
		wantErr string
	}{
		{"exact", "9e3b001122cc", "report", ""},
		{"unique prefix", "9e3b001", "report", ""},
		{"ambiguous prefix", "4f1c2a9e", "", "ambiguous"},
		{"short prefix", "9e3b", "", "no checkpoint"},
		{"unknown", "deadbeef00", "", "no checkpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := findCheckpoint(cps, tt.id)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Agent)
		})
	}
}
