package gallery

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Site builds the URLs of one gallery host.
type Site struct {
	BaseURL string
	APIURL  string
}

// NewSite normalises baseURL and derives the API endpoint when apiURL is empty.
func NewSite(baseURL, apiURL string) Site {
	baseURL = strings.TrimRight(baseURL, "/")
	if apiURL == "" {
		apiURL = baseURL + "/api.php"
	}
	return Site{BaseURL: baseURL, APIURL: apiURL}
}

// Referer is the referer sent with markup requests.
func (s Site) Referer() string {
	return s.BaseURL + "/"
}

// DetailURL returns the detail page that lists preview batch previewIndex.
func (s Site) DetailURL(ref Ref, previewIndex int) string {
	u := fmt.Sprintf("%s/g/%d/%s/", s.BaseURL, ref.ID, ref.Token)
	if previewIndex > 0 {
		u += "?p=" + strconv.Itoa(previewIndex)
	}
	return u
}

// MultiPageViewerURL returns the page that lists every page token at once.
func (s Site) MultiPageViewerURL(ref Ref) string {
	return fmt.Sprintf("%s/mpv/%d/%s/", s.BaseURL, ref.ID, ref.Token)
}

// PageURL returns the single-page view of index (0 based).
func (s Site) PageURL(gid int64, index int, pageToken string) string {
	return fmt.Sprintf("%s/s/%s/%d-%d", s.BaseURL, pageToken, gid, index+1)
}

// WithSkipKey appends the nl= retry key to a page URL.
func WithSkipKey(pageURL, skipKey string) string {
	if skipKey == "" {
		return pageURL
	}
	sep := "?"
	if strings.Contains(pageURL, "?") {
		sep = "&"
	}
	return pageURL + sep + "nl=" + url.QueryEscape(skipKey)
}

var pageURLPattern = regexp.MustCompile(`/s/([0-9a-f]{10})/(\d+)-(\d+)`)

// ParsePageURL extracts the page token, gallery id and 0 based index from a
// single-page URL.
func ParsePageURL(raw string) (pageToken string, gid int64, index int, ok bool) {
	m := pageURLPattern.FindStringSubmatch(raw)
	if m == nil {
		return "", 0, 0, false
	}
	gid, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return "", 0, 0, false
	}
	page, err := strconv.Atoi(m[3])
	if err != nil || page < 1 {
		return "", 0, 0, false
	}
	return m[1], gid, page - 1, true
}
