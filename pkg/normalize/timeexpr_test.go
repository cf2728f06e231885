package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveTime_Ranges(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, loc)

	cases := []struct {
		text       string
		start, end string
	}{
		{"business hours from 9 to 5", "09:00", "17:00"},
		{"set hours 11:00 to 22:00", "11:00", "22:00"},
		{"营业时间改为9点到22点", "09:00", "22:00"},
		{"open 10am-11pm", "10:00", "23:00"},
	}
	for _, tc := range cases {
		res := ResolveTime(tc.text, now, loc)
		assert.Equal(t, tc.start, res.RangeStart, tc.text)
		assert.Equal(t, tc.end, res.RangeEnd, tc.text)
	}
}

func TestResolveTime_BareAfterHourIsAmbiguous(t *testing.T) {
	res := ResolveTime("transfer calls after 10", time.Now(), time.UTC)
	assert.True(t, res.Ambiguous())
	assert.Equal(t, []string{"10:00", "22:00"}, res.AfterAlt)
}

func TestResolveTime_ChineseAfter(t *testing.T) {
	res := ResolveTime("晚上10点后转接", time.Now(), time.UTC)
	assert.Equal(t, "22:00", res.AfterTime)
	assert.False(t, res.Ambiguous())
}

func TestResolveTime_UntilRollsToNextDay(t *testing.T) {
	now := time.Date(2026, 3, 10, 22, 0, 0, 0, time.UTC)
	res := ResolveTime("pause it until 9pm", now, time.UTC)
	require.NotNil(t, res.Window)
	assert.True(t, res.Window.EndAt.Equal(time.Date(2026, 3, 11, 21, 0, 0, 0, time.UTC)))
}

func TestResolveTime_BareUntilHourOffersBothReadings(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	res := ResolveTime("transfer calls to the manager until 9", now, time.UTC)
	require.True(t, res.Ambiguous())
	require.Len(t, res.Candidates, 2)
	// 21:00 today comes before 09:00 tomorrow.
	assert.Equal(t, "until_21:00", res.Candidates[0].ID)
	assert.True(t, res.Candidates[0].Window.EndAt.Equal(time.Date(2026, 3, 10, 21, 0, 0, 0, time.UTC)))
	assert.Equal(t, "until_09:00", res.Candidates[1].ID)
	assert.True(t, res.Candidates[1].Window.EndAt.Equal(time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)))
	assert.Equal(t, res.Candidates[0].Window, res.Window)

	for _, text := range []string{"until 9pm", "until 9am", "until 21:00", "到9点为止"} {
		res := ResolveTime(text, now, time.UTC)
		require.NotNil(t, res.Window, text)
		assert.False(t, res.Ambiguous(), text)
	}
}

func TestResolveTime_TonightAfterMidnightOffersBothNights(t *testing.T) {
	now := time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC)
	res := ResolveTime("pause the congee tonight", now, time.UTC)
	require.Len(t, res.Candidates, 2)
	assert.True(t, res.Candidates[0].Window.EndAt.Equal(time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC)))
	assert.True(t, res.Candidates[1].Window.EndAt.Equal(time.Date(2026, 3, 11, 4, 0, 0, 0, time.UTC)))
}

func TestToE164(t *testing.T) {
	got, ok := ToE164("(416) 555-0199", "CA")
	require.True(t, ok)
	assert.Equal(t, "+14165550199", got)

	_, ok = ToE164("12345", "CA")
	assert.False(t, ok)
}

func TestDetectLanguage(t *testing.T) {
	assert.Equal(t, "zh", DetectLanguage("pause congee", "zh-CN"))
	assert.Equal(t, "en", DetectLanguage("暂停", "en-US"))
	assert.Equal(t, "zh", DetectLanguage("暂停龙虾粥", ""))
	assert.Equal(t, "en", DetectLanguage("pause congee", "fr"))
}
