package dataio

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModeHelpers(t *testing.T) {
	m, err := ParseMode(" Sample_Train ")
	require.NoError(t, err)
	assert.Equal(t, SampleTrain, m)
	assert.True(t, m.IsSample())
	assert.False(t, m.IsTest())

	v, err := m.ValidFor()
	require.NoError(t, err)
	assert.Equal(t, SampleValid, v)

	tr, err := Test.TrainFor()
	require.NoError(t, err)
	assert.Equal(t, Train, tr)

	_, err = Valid.ValidFor()
	assert.Error(t, err)
	_, err = Train.TrainFor()
	assert.Error(t, err)
	_, err = ParseMode("holdout")
	assert.Error(t, err)

	assert.NoError(t, Train.Require(Train, SampleTrain))
	assert.Error(t, Test.Require(Train, SampleTrain))
}

func TestWriteAnswer(t *testing.T) {
	p := Predictions{
		"b": make([]float64, Zones),
		"a": make([]float64, Zones),
	}
	p["a"][0] = 0.5
	p["b"][16] = 1

	var buf bytes.Buffer
	rows, err := WriteAnswer(&buf, Clip(p, ClipLow, ClipHigh))
	require.NoError(t, err)
	assert.Equal(t, 2*Zones, rows)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1+2*Zones)
	assert.Equal(t, "Id,Probability", lines[0])
	assert.Equal(t, "a_Zone1,0.5", lines[1])
	assert.Equal(t, "a_Zone2,0.025", lines[2])
	assert.Equal(t, "b_Zone1,0.025", lines[1+Zones])
	assert.Equal(t, "b_Zone17,0.975", lines[2*Zones])

	// Clip must not modify its input.
	assert.Equal(t, 1.0, p["b"][16])
}

func TestWriteAnswerRejectsShortVectors(t *testing.T) {
	_, err := WriteAnswer(&bytes.Buffer{}, Predictions{"a": {0.1}})
	assert.Error(t, err)
}

func TestWriteAnswerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "answer.csv")
	rows, err := WriteAnswerFile(path, Predictions{"a": make([]float64, Zones)})
	require.NoError(t, err)
	assert.Equal(t, Zones, rows)
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestSynthesizeAndPartition(t *testing.T) {
	root := t.TempDir()
	cfg := DefaultSynthConfig()
	require.NoError(t, Synthesize(root, cfg))
	p := NewNpyPartitioner(root)

	x, y, err := p.BodyParts(SampleTrain)
	require.NoError(t, err)
	assert.Equal(t, []int{24, 16, 16}, x.Shape())
	assert.Equal(t, []int{24}, y.Shape())

	gx, gy, err := p.GlobalImages(SampleValid, 8, true)
	require.NoError(t, err)
	assert.Equal(t, []int{12, 4, 8, 8, 19}, gx.Shape())
	assert.Equal(t, []int{12, Zones}, gy.Shape())

	tx, ids, err := p.BodyPartsTest(SampleTest)
	require.NoError(t, err)
	assert.Equal(t, []int{6, Zones, 16, 16}, tx.Shape())
	assert.Equal(t, "scan0000", ids[0])

	gtx, gids, err := p.GlobalImagesTest(SampleTest, 8)
	require.NoError(t, err)
	assert.Equal(t, []int{6, 4, 8, 8, 18}, gtx.Shape())
	assert.Equal(t, ids, gids)

	_, _, err = p.BodyParts(SampleTest)
	assert.Error(t, err)
	_, _, err = p.GlobalImagesTest(SampleTrain, 8)
	assert.Error(t, err)
	_, _, err = p.BodyParts(Train)
	assert.Error(t, err, "full split was not synthesized")
}

func TestSynthesizeIsDeterministic(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	require.NoError(t, Synthesize(a, DefaultSynthConfig()))
	require.NoError(t, Synthesize(b, DefaultSynthConfig()))
	ra, err := os.ReadFile(filepath.Join(a, "sample_train", "global_8_x.npy"))
	require.NoError(t, err)
	rb, err := os.ReadFile(filepath.Join(b, "sample_train", "global_8_x.npy"))
	require.NoError(t, err)
	assert.Equal(t, ra, rb)
}
