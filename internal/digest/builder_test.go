package digest

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pauljones0/zdm-digest-bot/internal/models"
)

func makeDeals(n int) []models.Deal {
	deals := make([]models.Deal, n)
	for i := range deals {
		deals[i] = models.Deal{ID: fmt.Sprintf("%d", i+1), Title: fmt.Sprintf("deal %d", i+1)}
	}
	return deals
}

func TestPartition(t *testing.T) {
	tests := []struct {
		name  string
		n     int
		size  int
		sizes []int
	}{
		{"empty", 0, 100, nil},
		{"single partial", 7, 100, []int{7}},
		{"exact", 200, 100, []int{100, 100}},
		{"remainder", 250, 100, []int{100, 100, 50}},
		{"default size", 150, 0, []int{100, 50}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := Partition(makeDeals(tt.n), tt.size)
			var sizes []int
			for _, c := range chunks {
				sizes = append(sizes, len(c))
			}
			assert.Equal(t, tt.sizes, sizes)
		})
	}
}

func TestPartition_PreservesOrder(t *testing.T) {
	deals := makeDeals(5)
	chunks := Partition(deals, 2)

	var ids []string
	for _, c := range chunks {
		ids = append(ids, models.DealIDs(c)...)
	}
	assert.Equal(t, models.DealIDs(deals), ids)

	// Appending to a chunk must not clobber the next one.
	_ = append(chunks[0], models.Deal{ID: "x"})
	assert.Equal(t, "3", chunks[1][0].ID)
}

func newTestRenderer(t *testing.T) *Renderer {
	t.Helper()
	shanghai, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)
	r, err := NewRenderer("", shanghai)
	require.NoError(t, err)
	r.now = func() time.Time { return time.Date(2024, 3, 1, 1, 30, 0, 0, time.UTC) }
	return r
}

func TestRender(t *testing.T) {
	r := newTestRenderer(t)
	deals := []models.Deal{
		{
			ID:           "42",
			Title:        "耳机 <限量>",
			URL:          "https://www.smzdm.com/p/42/",
			Price:        "199元",
			Mall:         "京东",
			VotedCount:   60,
			CommentCount: 15,
			OccurredAt:   time.Unix(1700000000, 0),
		},
		{ID: "43", Title: "显卡"},
	}

	d, err := r.Render(deals)
	require.NoError(t, err)

	assert.Equal(t, "值得买优惠信息汇总 2024-03-01 09:30", d.Subject)
	assert.Equal(t, []string{"42", "43"}, d.DealIDs)
	assert.Len(t, d.Deals, 2)

	assert.Contains(t, d.HTMLBody, `<a href="https://www.smzdm.com/p/42/">耳机 &lt;限量&gt;</a>`)
	assert.Contains(t, d.HTMLBody, "2023-11-15 06:13")
	assert.Equal(t, 2, strings.Count(d.HTMLBody, `<tr class="deal">`))

	lines := strings.Split(d.PlainBody, "\n")
	require.GreaterOrEqual(t, len(lines), 5)
	assert.Equal(t, d.Subject, lines[0])
	assert.Equal(t, "1. 耳机 <限量> | 价格: 199元 | 商城: 京东 | 点值: 60 | 评论: 15 | 时间: 2023-11-15 06:13", lines[2])
	assert.Equal(t, "   https://www.smzdm.com/p/42/", lines[3])
	assert.Equal(t, "2. 显卡 | 点值: 0 | 评论: 0", lines[4])
}

func TestRender_Empty(t *testing.T) {
	_, err := newTestRenderer(t).Render(nil)
	assert.Error(t, err)
}

func TestBuilder_Build(t *testing.T) {
	r := newTestRenderer(t)
	r.subject = "汇总"
	b := NewBuilder(100, r)

	batches, err := b.Build(makeDeals(250))
	require.NoError(t, err)
	require.Len(t, batches, 3)

	for i, want := range []int{100, 100, 50} {
		assert.Equal(t, i+1, batches[i].Index)
		assert.Len(t, batches[i].Digest.DealIDs, want)
		assert.Equal(t, "汇总 2024-03-01 09:30", batches[i].Digest.Subject)
	}
	assert.Equal(t, "101", batches[1].Digest.DealIDs[0])
	assert.Equal(t, "250", batches[2].Digest.DealIDs[49])
}

func TestBuilder_BuildEmpty(t *testing.T) {
	batches, err := NewBuilder(100, newTestRenderer(t)).Build(nil)
	require.NoError(t, err)
	assert.Empty(t, batches)
}
