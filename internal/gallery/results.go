package gallery

// PreviewLayout distinguishes the two preview markup layouts.
type PreviewLayout string

// Known preview layouts.
const (
	LayoutNormal PreviewLayout = "normal"
	LayoutLarge  PreviewLayout = "large"
)

// PreviewEntry is one thumbnail of a preview batch.
type PreviewEntry struct {
	// Position is the 0 based page index the thumbnail links to.
	Position int
	PageURL  string
	ImageURL string
	// PageToken is the access token carried by PageURL.
	PageToken string
}

// PreviewBatch is one page of thumbnails from the gallery detail view.
type PreviewBatch struct {
	Layout PreviewLayout
	// PreviewPages is the number of preview batches the gallery has; 0 when
	// the pagination could not be read.
	PreviewPages int
	Entries      []PreviewEntry
}

// Tokens collects the page tokens carried by the batch, keyed by position.
func (b PreviewBatch) Tokens() map[int]string {
	out := make(map[int]string, len(b.Entries))
	for _, e := range b.Entries {
		if e.PageToken != "" {
			out[e.Position] = e.PageToken
		}
	}
	return out
}

// Detail is what the engine needs from the gallery detail page.
type Detail struct {
	PageCount int
	Preview   PreviewBatch
}

// PageImage is the image location data scraped from a page view or the
// show-page API.
type PageImage struct {
	ImageURL  string
	SkipKey   string
	OriginURL string
	ShowKey   string
}
