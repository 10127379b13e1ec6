package arxiv

import "encoding/xml"

// feed is the Atom XML response from the arXiv query API.
type feed struct {
	XMLName xml.Name `xml:"feed"`
	Entries []entry  `xml:"entry"`
}

type entry struct {
	ID        string   `xml:"id"` // "http://arxiv.org/abs/1901.00001v2"
	Title     string   `xml:"title"`
	Published string   `xml:"published"` // "2019-01-01T18:30:00Z"
	Authors   []author `xml:"author"`
	Links     []link   `xml:"link"`
	DOI       string   `xml:"doi"`
}

type author struct {
	Name string `xml:"name"`
}

type link struct {
	Href  string `xml:"href,attr"`
	Rel   string `xml:"rel,attr"`
	Type  string `xml:"type,attr"`
	Title string `xml:"title,attr"`
}
