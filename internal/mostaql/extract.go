package mostaql

import (
	"bytes"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/spigell/mostaql-notifier/internal/domain"
)

// Extractor turns raw marketplace markup into jobs.
type Extractor interface {
	// Listing reads one row of a listing page.
	Listing(item ListingItem) (*domain.Job, error)
	// Detail fills job in place from a project page.
	Detail(page []byte, job *domain.Job) error
}

var errUnrecognizedPage = errors.New("unrecognized page structure")

// HTMLExtractor reads the markup served by mostaql.com.
type HTMLExtractor struct {
	BaseURL string
}

func (e *HTMLExtractor) Listing(item ListingItem) (*domain.Job, error) {
	id := strings.TrimSpace(item.ID.String())
	if id == "" || strings.TrimSpace(item.Rendered) == "" {
		return nil, errors.New("empty listing row")
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(item.Rendered))
	if err != nil {
		return nil, err
	}

	title := first(doc.Selection, "h2.mrg--bt-reset > a", "h2 > a", "a[href*='/project']")
	if title == nil {
		return nil, errors.New("no title link")
	}

	job := &domain.Job{
		ID:    id,
		Title: text(title),
		URL:   e.absolute(attr(title, "href")),
	}

	if pub := first(doc.Selection, "ul.project__meta bdi", ".project__meta bdi"); pub != nil {
		job.Publisher.Name = text(pub)
	}

	if tm := doc.Find("time[datetime]").First(); tm.Length() > 0 {
		job.PostedAt = parseTime(attr(tm, "datetime"))
	}

	for _, sel := range []string{"ul.project__meta > li.text-muted", "li"} {
		if counter := proposalCounter(doc.Find(sel)); counter != "" {
			job.Proposals = parseProposals(counter)
			break
		}
	}

	if brief := first(doc.Selection, "p.project__brief a", "p.project__brief", ".project__brief"); brief != nil {
		job.Brief = text(brief)
	}

	return job, nil
}

func (e *HTMLExtractor) Detail(page []byte, job *domain.Job) error {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return err
	}

	description := first(doc.Selection, "#projectDetailsTab .carda__content", ".carda__content", ".project-description")
	sidebar := doc.Find("#project-meta-panel").First()
	if description == nil && sidebar.Length() == 0 {
		return errUnrecognizedPage
	}

	if description != nil {
		job.Description = text(description)
	}
	if job.Title == "" {
		if t := first(doc.Selection, "span[data-type='page-header-title']", "h1"); t != nil {
			job.Title = text(t)
		}
	}

	crumbs := doc.Find("ol.breadcrumb li.breadcrumb-item")
	switch {
	case crumbs.Length() >= 3:
		job.Category = text(crumbs.Eq(2))
	case crumbs.Length() == 2:
		job.Category = text(crumbs.Eq(1))
	}

	if sidebar.Length() > 0 {
		raw := text(sidebar.Find("[data-type='project-budget_range']").First())
		if raw == "" {
			raw = metaValue(sidebar, "الميزانية")
		}
		job.Budget = parseBudget(raw)

		var skills []string
		sidebar.Find("li.skills__item").Each(func(_ int, s *goquery.Selection) {
			if v := text(s); v != "" {
				skills = append(skills, v)
			}
		})
		if len(skills) > 0 {
			job.Tags = skills
		}
	}

	if widget := doc.Find("[data-type='employer_widget']").First(); widget.Length() > 0 {
		job.Publisher = publisher(widget, job.Publisher)
	}

	return nil
}

func publisher(widget *goquery.Selection, known domain.Publisher) domain.Publisher {
	p := known
	if name := first(widget, ".profile__name bdi", ".profile__name"); name != nil && text(name) != "" {
		p.Name = text(name)
	}
	p.Verified = widget.Find(".profile-verification-badge, .verified-badge, .identity-verified").Length() > 0

	widget.Find("table.table-meta tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}
		label, value := text(cells.Eq(0)), text(cells.Eq(1))
		switch {
		case strings.Contains(label, "معدل التوظيف"):
			p.HireRate = parseHireRate(value)
		case strings.Contains(label, "المشاريع المفتوحة"):
			if n, ok := firstInt(value); ok {
				p.OpenProjects = n
			}
		}
	})

	return p
}

func proposalCounter(items *goquery.Selection) string {
	var counter string
	items.EachWithBreak(func(_ int, li *goquery.Selection) bool {
		t := text(li)
		if strings.Contains(t, "عرض") || strings.Contains(t, "عروض") || strings.Contains(t, "أضف") {
			counter = t
			return false
		}
		return true
	})
	return counter
}

func metaValue(sidebar *goquery.Selection, label string) string {
	var value string
	sidebar.Find(".meta-row").EachWithBreak(func(_ int, row *goquery.Selection) bool {
		if strings.Contains(text(row.Find(".meta-label")), label) {
			value = text(row.Find(".meta-value").First())
			return false
		}
		return true
	})
	return value
}

func (e *HTMLExtractor) absolute(href string) string {
	if href == "" || strings.HasPrefix(href, "http") {
		return href
	}
	return strings.TrimRight(e.BaseURL, "/") + "/" + strings.TrimLeft(href, "/")
}

// first returns the first match of the earliest selector that matches.
func first(s *goquery.Selection, selectors ...string) *goquery.Selection {
	for _, sel := range selectors {
		if m := s.Find(sel).First(); m.Length() > 0 {
			return m
		}
	}
	return nil
}

func text(s *goquery.Selection) string {
	return strings.Join(strings.Fields(s.Text()), " ")
}

func attr(s *goquery.Selection, name string) string {
	v, _ := s.Attr(name)
	return strings.TrimSpace(v)
}

var (
	numberRe = regexp.MustCompile(`\d+(?:\.\d+)?`)
	intRe    = regexp.MustCompile(`\d+`)
)

// parseBudget reads "$25.00 - $50.00" style ranges. A single figure is both
// bounds; text without figures leaves the budget unknown.
func parseBudget(raw string) domain.Budget {
	raw = strings.TrimSpace(raw)
	b := domain.Budget{Raw: raw}

	var values []float64
	for _, m := range numberRe.FindAllString(strings.ReplaceAll(raw, ",", ""), -1) {
		if v, err := strconv.ParseFloat(m, 64); err == nil {
			values = append(values, v)
		}
	}

	switch len(values) {
	case 0:
	case 1:
		b.Min, b.Max = domain.Float(values[0]), domain.Float(values[0])
	default:
		lo, hi := values[0], values[0]
		for _, v := range values[1:] {
			lo, hi = min(lo, v), max(hi, v)
		}
		b.Min, b.Max = domain.Float(lo), domain.Float(hi)
	}
	return b
}

// parseHireRate reads "80%" or "20.5%". Text such as "not calculated yet"
// means no history.
func parseHireRate(raw string) *float64 {
	m := numberRe.FindString(raw)
	if m == "" {
		return nil
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return nil
	}
	return domain.Float(v)
}

// parseProposals reads the Arabic proposal counter of a listing row.
func parseProposals(raw string) int {
	switch {
	case raw == "", strings.Contains(raw, "أضف"):
		return 0
	case strings.Contains(raw, "واحد"):
		return 1
	case strings.Contains(raw, "عرضان"), strings.Contains(raw, "عرضين"):
		return 2
	}
	n, _ := firstInt(raw)
	return n
}

func firstInt(raw string) (int, bool) {
	m := intRe.FindString(raw)
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m)
	return n, err == nil
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseTime returns the zero time for values it cannot read. Timestamps
// without a zone are taken as UTC.
func parseTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
