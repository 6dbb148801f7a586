// Package inspector fetches the content attached to an item (its rendered
// card or an offer sheet) and extracts category hints from it. It is the last
// resort of the classifier.
package inspector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"

	"github.com/kalambet/taskcheck/internal/task"
)

const (
	defaultTimeout  = 5 * time.Second
	maxContentBytes = 4 << 20
)

// Hints is what an inspection could learn about an item.
type Hints struct {
	Category task.Category
	Network  string
}

// Empty reports whether nothing was learned.
func (h Hints) Empty() bool {
	return (h.Category == "" || h.Category == task.CategoryUnknown) && h.Network == ""
}

// HTTPInspector retrieves item content from {baseURL}/items/{id}/content.
type HTTPInspector struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPInspector creates an inspector rooted at baseURL.
func NewHTTPInspector(baseURL string) *HTTPInspector {
	return &HTTPInspector{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     slog.Default(),
	}
}

// Inspect fetches the content for itemID and returns any hints found. A 404
// yields empty hints and no error.
func (i *HTTPInspector) Inspect(ctx context.Context, itemID string) (Hints, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		i.baseURL+"/items/"+url.PathEscape(itemID)+"/content", nil)
	if err != nil {
		return Hints{}, fmt.Errorf("creating request: %w", err)
	}

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return Hints{}, fmt.Errorf("fetching content: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Hints{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Hints{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxContentBytes))
	if err != nil {
		return Hints{}, fmt.Errorf("reading content: %w", err)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "application/pdf" || bytes.HasPrefix(body, []byte("%PDF-")) {
		return InspectPDF(body)
	}
	return InspectHTML(bytes.NewReader(body), itemID)
}

// InspectHTML looks for declared attributes on the element carrying
// data-item-id == itemID, then for <meta name="item:category"> and
// <meta name="item:network">, then falls back to a keyword scan of the text.
func InspectHTML(r io.Reader, itemID string) (Hints, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return Hints{}, fmt.Errorf("parsing html: %w", err)
	}

	var h Hints
	var text strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.Data {
			case "script", "style":
				return
			case "meta":
				name, content := attr(n, "name"), attr(n, "content")
				if name == "item:category" && h.Category == "" {
					h.Category = task.ParseCategory(content)
				}
				if name == "item:network" && h.Network == "" {
					h.Network = strings.ToLower(content)
				}
			default:
				if itemID != "" && attr(n, "data-item-id") == itemID {
					if c := attr(n, "data-category"); c != "" {
						h.Category = task.ParseCategory(c)
					}
					if nw := attr(n, "data-network"); nw != "" {
						h.Network = strings.ToLower(nw)
					}
				}
			}
		case html.TextNode:
			text.WriteString(n.Data)
			text.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if h.Category == "" || h.Category == task.CategoryUnknown {
		h.Category = task.GuessCategory(text.String())
	}
	return h, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// InspectPDF extracts the plain text of a PDF and keyword-scans it.
func InspectPDF(data []byte) (Hints, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Hints{}, fmt.Errorf("opening pdf: %w", err)
	}
	tr, err := r.GetPlainText()
	if err != nil {
		return Hints{}, fmt.Errorf("extracting pdf text: %w", err)
	}
	text, err := io.ReadAll(io.LimitReader(tr, maxContentBytes))
	if err != nil {
		return Hints{}, fmt.Errorf("reading pdf text: %w", err)
	}
	return Hints{Category: task.GuessCategory(string(text))}, nil
}
