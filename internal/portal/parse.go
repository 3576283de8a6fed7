package portal

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Selectors for the portal's listing markup. The grid is a plain table with
// one row per tender and a classed cell per column; the pager marks the next
// control disabled on the last page.
const (
	selListingRow   = "table.tender-grid tbody tr"
	selPagerNext    = "nav.pager a.next"
	selDocumentLink = "td.col-docs a[href]"
)

// ParseListing extracts the raw records visible on one listing page and
// whether the pager advertises a further page.
func ParseListing(html []byte, baseURL string) ([]RawRecord, bool, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, false, fmt.Errorf("parse listing html: %w", err)
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, false, fmt.Errorf("parse listing base url: %w", err)
	}

	var records []RawRecord
	doc.Find(selListingRow).Each(func(_ int, row *goquery.Selection) {
		rec := RawRecord{
			TenderID:  cellText(row, "td.col-id"),
			Title:     cellText(row, "td.col-title"),
			Entity:    cellText(row, "td.col-entity"),
			Value:     cellText(row, "td.col-value"),
			Status:    cellText(row, "td.col-status"),
			Published: cellText(row, "td.col-published"),
			Deadline:  cellText(row, "td.col-deadline"),
		}
		if rec.TenderID == "" {
			// Spacer and banner rows share the grid markup.
			return
		}
		if href, ok := row.Find("td.col-title a").Attr("href"); ok {
			rec.DetailURL = resolveRef(base, href)
		}
		row.Find(selDocumentLink).Each(func(_ int, a *goquery.Selection) {
			href, ok := a.Attr("href")
			if !ok || href == "" {
				return
			}
			rec.Documents = append(rec.Documents, DocumentLink{
				Label:           strings.TrimSpace(a.Text()),
				URL:             resolveRef(base, href),
				RequiresSession: a.HasClass("gated"),
			})
		})
		records = append(records, rec)
	})

	hasMore := false
	if next := doc.Find(selPagerNext); next.Length() > 0 {
		hasMore = !next.HasClass("disabled")
	}
	return records, hasMore, nil
}

// ParseDetail extracts the document links from a tender detail page. Detail
// pages list attachments the grid's docs cell truncates.
func ParseDetail(html []byte, baseURL string) ([]DocumentLink, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse detail html: %w", err)
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse detail base url: %w", err)
	}

	var links []DocumentLink
	doc.Find("ul.attachments li a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if href == "" {
			return
		}
		links = append(links, DocumentLink{
			Label:           strings.TrimSpace(a.Text()),
			URL:             resolveRef(base, href),
			RequiresSession: a.HasClass("gated"),
		})
	})
	return links, nil
}

func cellText(row *goquery.Selection, sel string) string {
	return strings.TrimSpace(row.Find(sel).First().Text())
}

func resolveRef(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
