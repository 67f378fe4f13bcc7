package transcript

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const labeledVTT = `WEBVTT

NOTE generated by the recorder

1
00:00:01.000 --> 00:00:04.000
上辻としゆき: 本日の議題は予算です。

2
00:00:04.500 --> 00:00:06.000
<v 田中太郎>承知しました。</v>

3
00:01:10.250 --> 00:01:12.000
田中太郎：資料は明日共有します。
`

func TestParseVTTLabels(t *testing.T) {
	cues, err := ParseVTT([]byte(labeledVTT))
	require.NoError(t, err)
	require.Len(t, cues, 3)

	assert.Equal(t, "上辻としゆき", cues[0].Speaker)
	assert.Equal(t, "本日の議題は予算です。", cues[0].Text)
	assert.Equal(t, time.Second, cues[0].Start)

	assert.Equal(t, "田中太郎", cues[1].Speaker)
	assert.Equal(t, "承知しました。", cues[1].Text)

	assert.Equal(t, "田中太郎", cues[2].Speaker)
	assert.Equal(t, time.Minute+10*time.Second+250*time.Millisecond, cues[2].Start)
}

func TestParseVTTShortTimestampsAndUnlabeled(t *testing.T) {
	doc := "\ufeffWEBVTT - meeting\n\n00:01.000 --> 00:02.500 align:start\nhello there\nsecond line\n"
	cues, err := ParseVTT([]byte(doc))
	require.NoError(t, err)
	require.Len(t, cues, 1)
	assert.Empty(t, cues[0].Speaker)
	assert.Equal(t, "hello there second line", cues[0].Text)
	assert.Equal(t, 2500*time.Millisecond, cues[0].End)
}

func TestParseVTTRejectsMalformed(t *testing.T) {
	_, err := ParseVTT([]byte("1\n00:00:01.000 --> 00:00:02.000\nhi\n"))
	assert.ErrorIs(t, err, ErrExtraction)

	_, err = ParseVTT([]byte("WEBVTT\n\nNOTE nothing here\n"))
	assert.ErrorIs(t, err, ErrExtraction)

	_, err = ParseVTT(nil)
	assert.ErrorIs(t, err, ErrExtraction)
}

func TestParseVTTColonsInsideSentences(t *testing.T) {
	doc := "WEBVTT\n\n" +
		"00:00:01.000 --> 00:00:03.000\n開始は10:30です。\n\n" +
		"00:00:03.000 --> 00:00:05.000\n詳細は https://example.com を参照\n\n" +
		"00:00:05.000 --> 00:00:07.000\n田中太郎: 資料は http://intra/doc に置きました。\n\n" +
		"00:00:07.000 --> 00:00:09.000\n連絡は mailto:ops@example.com まで\n"

	cues, err := ParseVTT([]byte(doc))
	require.NoError(t, err)
	require.Len(t, cues, 4)

	assert.Empty(t, cues[0].Speaker)
	assert.Equal(t, "開始は10:30です。", cues[0].Text)
	assert.Empty(t, cues[1].Speaker)
	assert.Equal(t, "詳細は https://example.com を参照", cues[1].Text)
	assert.Equal(t, "田中太郎", cues[2].Speaker)
	assert.Equal(t, "資料は http://intra/doc に置きました。", cues[2].Text)
	assert.Empty(t, cues[3].Speaker)

	_, stats := BuildTurns(cues, DefaultDetector())
	assert.InDelta(t, 0.25, stats.LabeledRatio, 1e-9)
}
