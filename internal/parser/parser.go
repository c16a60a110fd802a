// Package parser extracts gallery structure and image locations from the
// site markup and the show-page API.
package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/galleryspider/internal/gallery"
	"github.com/JakeFAU/galleryspider/internal/spider"
)

// ErrParse is wrapped by every structural parse failure.
var ErrParse = errors.New("parse error")

var (
	pageCountPattern  = regexp.MustCompile(`Length:\s*</td>\s*<td[^>]*>\s*([\d,]+)\s*pages?`)
	showKeyPattern    = regexp.MustCompile(`var\s+showkey\s*=\s*"([^"]+)"`)
	skipKeyPattern    = regexp.MustCompile(`nl\(\s*'([^']+)'\s*\)`)
	imageListPattern  = regexp.MustCompile(`(?s)var\s+imagelist\s*=\s*(\[.*?\]);`)
	cssURLPattern     = regexp.MustCompile(`url\(\s*['"]?([^'")]+)['"]?\s*\)`)
	originHrefPattern = regexp.MustCompile(`href="([^"]*fullimg[^"]*)"`)
)

// Parser implements spider.Parser.
type Parser struct{}

// New returns a Parser.
func New() *Parser { return &Parser{} }

var _ spider.Parser = (*Parser)(nil)

// ParseDetail reads the page count and the first preview batch of a gallery
// detail page.
func (p *Parser) ParseDetail(markup string) (gallery.Detail, error) {
	doc, err := document(markup)
	if err != nil {
		return gallery.Detail{}, err
	}
	count := pageCount(doc, markup)
	if count <= 0 {
		return gallery.Detail{}, fmt.Errorf("%w: page count not found", ErrParse)
	}
	return gallery.Detail{PageCount: count, Preview: previewBatch(doc)}, nil
}

// ParsePreviewBatch reads the thumbnails of one detail page.
func (p *Parser) ParsePreviewBatch(markup string) (gallery.PreviewBatch, error) {
	doc, err := document(markup)
	if err != nil {
		return gallery.PreviewBatch{}, err
	}
	batch := previewBatch(doc)
	if len(batch.Entries) == 0 {
		return gallery.PreviewBatch{}, fmt.Errorf("%w: no preview entries", ErrParse)
	}
	return batch, nil
}

type imageListEntry struct {
	Name  string `json:"n"`
	Key   string `json:"k"`
	Thumb string `json:"t"`
}

// ParseTokenList reads every page token from the multi-page viewer. The
// result is ordered by page index.
func (p *Parser) ParseTokenList(markup string) ([]string, error) {
	m := imageListPattern.FindStringSubmatch(markup)
	if m == nil {
		return nil, fmt.Errorf("%w: image list not found", ErrParse)
	}
	var entries []imageListEntry
	if err := json.Unmarshal([]byte(m[1]), &entries); err != nil {
		return nil, fmt.Errorf("%w: decode image list: %v", ErrParse, err)
	}
	tokens := make([]string, 0, len(entries))
	for i, e := range entries {
		if e.Key == "" {
			return nil, fmt.Errorf("%w: image list entry %d has no key", ErrParse, i)
		}
		tokens = append(tokens, e.Key)
	}
	return tokens, nil
}

// ParsePage reads the image URL, skip key, origin link and show key from a
// single-page view.
func (p *Parser) ParsePage(markup string) (gallery.PageImage, error) {
	doc, err := document(markup)
	if err != nil {
		return gallery.PageImage{}, err
	}
	res := gallery.PageImage{
		ImageURL:  attr(doc.Find("img#img"), "src"),
		SkipKey:   firstSubmatch(skipKeyPattern, markup),
		OriginURL: originURL(doc),
		ShowKey:   firstSubmatch(showKeyPattern, markup),
	}
	if res.ImageURL == "" {
		return gallery.PageImage{}, fmt.Errorf("%w: image element not found", ErrParse)
	}
	return res, nil
}

type showPageResponse struct {
	Error      string `json:"error"`
	ImageBlock string `json:"i3"`
	SkipBlock  string `json:"i6"`
	OriginLink string `json:"i7"`
}

// ParseShowPage reads the show-page API response. A rejected show key yields
// spider.ErrShowKeyMismatch.
func (p *Parser) ParseShowPage(body []byte) (gallery.PageImage, error) {
	var resp showPageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return gallery.PageImage{}, fmt.Errorf("%w: decode show page: %v", ErrParse, err)
	}
	if resp.Error != "" {
		if strings.Contains(strings.ToLower(resp.Error), "key mismatch") {
			return gallery.PageImage{}, spider.ErrShowKeyMismatch
		}
		return gallery.PageImage{}, fmt.Errorf("show page: %s", resp.Error)
	}

	doc, err := document(resp.ImageBlock)
	if err != nil {
		return gallery.PageImage{}, err
	}
	res := gallery.PageImage{
		ImageURL:  attr(doc.Find("img#img"), "src"),
		SkipKey:   firstSubmatch(skipKeyPattern, resp.SkipBlock),
		OriginURL: firstSubmatch(originHrefPattern, resp.OriginLink),
	}
	if res.ImageURL == "" {
		return gallery.PageImage{}, fmt.Errorf("%w: image element not found in show page", ErrParse)
	}
	return res, nil
}

func document(markup string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("%w: read markup: %v", ErrParse, err)
	}
	return doc, nil
}

func pageCount(doc *goquery.Document, markup string) int {
	count := 0
	doc.Find("#gdd td.gdt1").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.TrimSpace(s.Text()) != "Length:" {
			return true
		}
		fields := strings.Fields(s.Next().Text())
		if len(fields) > 0 {
			count = atoi(fields[0])
		}
		return false
	})
	if count > 0 {
		return count
	}
	return atoi(firstSubmatch(pageCountPattern, markup))
}

// previewBatch picks the layout by marker presence, then reads the
// pagination bar for the batch count.
func previewBatch(doc *goquery.Document) gallery.PreviewBatch {
	batch := gallery.PreviewBatch{Layout: gallery.LayoutLarge, PreviewPages: previewPages(doc)}
	if doc.Find("div.gdtm").Length() > 0 {
		batch.Layout = gallery.LayoutNormal
		doc.Find("div.gdtm").Each(func(_ int, s *goquery.Selection) {
			style, _ := s.Find("div[style]").First().Attr("style")
			batch.Entries = appendEntry(batch.Entries, attr(s.Find("a"), "href"), firstSubmatch(cssURLPattern, style))
		})
		return batch
	}
	doc.Find("div.gdtl").Each(func(_ int, s *goquery.Selection) {
		batch.Entries = appendEntry(batch.Entries, attr(s.Find("a"), "href"), attr(s.Find("img"), "src"))
	})
	return batch
}

func appendEntry(entries []gallery.PreviewEntry, pageURL, imageURL string) []gallery.PreviewEntry {
	token, _, index, ok := gallery.ParsePageURL(pageURL)
	if !ok {
		return entries
	}
	return append(entries, gallery.PreviewEntry{
		Position:  index,
		PageURL:   pageURL,
		ImageURL:  imageURL,
		PageToken: token,
	})
}

// previewPages is the largest numbered link of the pagination bar.
func previewPages(doc *goquery.Document) int {
	pages := 0
	doc.Find("table.ptt td").Each(func(_ int, s *goquery.Selection) {
		if n := atoi(strings.TrimSpace(s.Text())); n > pages {
			pages = n
		}
	})
	return pages
}

func originURL(doc *goquery.Document) string {
	var out string
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href := attr(s, "href")
		if strings.Contains(href, "fullimg") {
			out = href
			return false
		}
		return true
	})
	return out
}

func attr(s *goquery.Selection, name string) string {
	v, _ := s.First().Attr(name)
	return strings.TrimSpace(v)
}

func firstSubmatch(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.ReplaceAll(s, ",", ""))
	if err != nil {
		return 0
	}
	return n
}
