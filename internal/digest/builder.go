// Package digest turns eligible deals into rendered batches ready for the
// notification channels.
package digest

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/pauljones0/zdm-digest-bot/internal/models"
)

const (
	DefaultBatchSize = 100
	DefaultSubject   = "值得买优惠信息汇总"

	timeLayout = "2006-01-02 15:04"
)

// Digest is one rendered message covering a single batch.
type Digest struct {
	Subject   string
	HTMLBody  string
	PlainBody string
	Deals     []models.Deal
	DealIDs   []string
	CreatedAt time.Time
}

// Batch pairs a chunk of deals with its rendered digest.
type Batch struct {
	Index  int
	Digest *Digest
}

// Partition splits deals into consecutive chunks of at most size elements,
// preserving order. A non-positive size falls back to DefaultBatchSize.
func Partition(deals []models.Deal, size int) [][]models.Deal {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var chunks [][]models.Deal
	for start := 0; start < len(deals); start += size {
		end := min(start+size, len(deals))
		chunks = append(chunks, deals[start:end:end])
	}
	return chunks
}

// Renderer renders one batch into HTML and plain text.
type Renderer struct {
	subject  string
	loc      *time.Location
	template *template.Template
	now      func() time.Time
}

func NewRenderer(subject string, loc *time.Location) (*Renderer, error) {
	tmpl, err := template.New("digest").Parse(defaultTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}
	if subject == "" {
		subject = DefaultSubject
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Renderer{subject: subject, loc: loc, template: tmpl, now: time.Now}, nil
}

type templateData struct {
	Title string
	Deals []dealRow
}

type dealRow struct {
	Title    string
	URL      string
	Price    string
	Mall     string
	Voted    int
	Comments int
	Time     string
}

func (r *Renderer) Render(deals []models.Deal) (*Digest, error) {
	if len(deals) == 0 {
		return nil, fmt.Errorf("no deals to include in digest")
	}

	now := r.now().In(r.loc)
	subject := fmt.Sprintf("%s %s", r.subject, now.Format(timeLayout))

	data := templateData{Title: subject, Deals: make([]dealRow, len(deals))}
	for i, d := range deals {
		row := dealRow{
			Title:    d.Title,
			URL:      d.URL,
			Price:    d.Price,
			Mall:     d.Mall,
			Voted:    d.VotedCount,
			Comments: d.CommentCount,
		}
		if !d.OccurredAt.IsZero() {
			row.Time = d.OccurredAt.In(r.loc).Format(timeLayout)
		}
		data.Deals[i] = row
	}

	var htmlBuf bytes.Buffer
	if err := r.template.Execute(&htmlBuf, data); err != nil {
		return nil, fmt.Errorf("failed to render template: %w", err)
	}

	plain, err := plainText(htmlBuf.String())
	if err != nil {
		return nil, err
	}

	return &Digest{
		Subject:   subject,
		HTMLBody:  htmlBuf.String(),
		PlainBody: plain,
		Deals:     deals,
		DealIDs:   models.DealIDs(deals),
		CreatedAt: now,
	}, nil
}

// plainText flattens the rendered table into one line per deal.
func plainText(htmlBody string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlBody))
	if err != nil {
		return "", fmt.Errorf("failed to parse rendered digest: %w", err)
	}

	var buf strings.Builder
	buf.WriteString(strings.TrimSpace(doc.Find("h2").First().Text()))
	buf.WriteString("\n\n")

	headers := doc.Find("th").Map(func(_ int, th *goquery.Selection) string {
		return strings.TrimSpace(th.Text())
	})

	doc.Find("tr.deal").Each(func(i int, row *goquery.Selection) {
		var cells []string
		row.Find("td").Each(func(j int, td *goquery.Selection) {
			text := strings.Join(strings.Fields(td.Text()), " ")
			if text == "" {
				return
			}
			// The first column is the title and needs no label.
			if j > 0 && j < len(headers) {
				text = headers[j] + ": " + text
			}
			cells = append(cells, text)
		})
		fmt.Fprintf(&buf, "%d. %s\n", i+1, strings.Join(cells, " | "))
		if href, ok := row.Find("a").Attr("href"); ok && href != "" {
			fmt.Fprintf(&buf, "   %s\n", href)
		}
	})
	return strings.TrimRight(buf.String(), "\n"), nil
}

// Builder partitions eligible deals and renders each chunk.
type Builder struct {
	size     int
	renderer *Renderer
}

func NewBuilder(size int, renderer *Renderer) *Builder {
	return &Builder{size: size, renderer: renderer}
}

func (b *Builder) Build(deals []models.Deal) ([]Batch, error) {
	chunks := Partition(deals, b.size)
	batches := make([]Batch, 0, len(chunks))
	for i, chunk := range chunks {
		d, err := b.renderer.Render(chunk)
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", i+1, err)
		}
		batches = append(batches, Batch{Index: i + 1, Digest: d})
	}
	return batches, nil
}

const defaultTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<style>
body { font-family: -apple-system, "PingFang SC", "Microsoft YaHei", sans-serif; color: #333; }
table { border-collapse: collapse; width: 100%; }
th, td { border: 1px solid #ddd; padding: 6px 8px; font-size: 14px; }
th { background: #f5f5f5; }
td.num { text-align: right; }
a { color: #e62828; text-decoration: none; }
</style>
</head>
<body>
<h2>{{.Title}}</h2>
<table>
<tr><th>标题</th><th>价格</th><th>商城</th><th>点值</th><th>评论</th><th>时间</th></tr>
{{range .Deals}}<tr class="deal">
<td>{{if .URL}}<a href="{{.URL}}">{{.Title}}</a>{{else}}{{.Title}}{{end}}</td>
<td>{{.Price}}</td>
<td>{{.Mall}}</td>
<td class="num">{{.Voted}}</td>
<td class="num">{{.Comments}}</td>
<td>{{.Time}}</td>
</tr>
{{end}}</table>
</body>
</html>
`
