package panel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/Guliveer/racknerd-exporter/internal/models"
)

// minInventoryCells is the number of columns of a VM row: type icon,
// hostname link, IP, OS, memory plan, disk plan.
const minInventoryCells = 6

// ListVMs returns the VMs listed on the landing page, in page order.
//
// A landing page without the logged-in marker means the session died between
// the liveness probe and the fetch. The client then re-authenticates and
// retries once; if the retry fails too, the result is an empty list rather
// than an error.
func (c *Client) ListVMs(ctx context.Context) ([]models.VMSummary, error) {
	if err := c.EnsureAuthenticated(ctx); err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		gen := c.currentGeneration()
		body, err := c.get(ctx, "list", homePath)
		if err != nil {
			return nil, err
		}

		if hasAuthMarker(body) {
			return c.parseLandingPage(body)
		}

		c.logger.Warn("Not logged in, logout link not found on landing page", zap.Int("attempt", attempt))
		c.logger.Debug("Landing page", zap.String("body", preview(body)))
		c.invalidateSince(gen)
		if attempt > 1 {
			return []models.VMSummary{}, nil
		}
		if err := c.EnsureAuthenticated(ctx); err != nil {
			c.logger.Warn("Re-login after session loss failed", zap.Error(err))
			return []models.VMSummary{}, nil
		}
	}
}

func (c *Client) parseLandingPage(body []byte) ([]models.VMSummary, error) {
	vms, found, err := parseInventory(bytes.NewReader(body), c.logger)
	if err != nil {
		return nil, &FetchError{Op: "list", URL: homePath, Err: err}
	}
	if !found {
		c.logger.Warn("VM table not found on landing page")
		return []models.VMSummary{}, nil
	}
	c.logger.Info("Found VMs", zap.Int("count", len(vms)))
	return vms, nil
}

// parseInventory extracts VM rows from the vmlist table. found is false when
// the page has no such table. Malformed rows are skipped.
func parseInventory(r io.Reader, logger *zap.Logger) (vms []models.VMSummary, found bool, err error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, false, fmt.Errorf("parse html: %w", err)
	}

	table := doc.Find("table#vmlist").First()
	if table.Length() == 0 {
		return nil, false, nil
	}

	vms = make([]models.VMSummary, 0)
	table.Find("tbody").First().Find("tr").Each(func(i int, row *goquery.Selection) {
		cells := row.ChildrenFiltered("td")
		if cells.Length() < minInventoryCells {
			logger.Debug("Skipping inventory row", zap.Int("row", i), zap.Int("cells", cells.Length()))
			return
		}

		link := cells.Eq(1).Find("a").First()
		if link.Length() == 0 {
			logger.Debug("Skipping inventory row without control link", zap.Int("row", i))
			return
		}
		href, _ := link.Attr("href")
		id := vmIDFromHref(href)
		if id == "" {
			logger.Debug("Skipping inventory row without VM id", zap.Int("row", i), zap.String("href", href))
			return
		}

		vms = append(vms, models.VMSummary{
			ID:         id,
			Hostname:   strings.TrimSpace(link.Text()),
			Type:       vmTypeFromCell(cells.Eq(0)),
			IPAddress:  strings.TrimSpace(cells.Eq(2).Text()),
			OS:         strings.TrimSpace(cells.Eq(3).Text()),
			PlanMemory: strings.TrimSpace(cells.Eq(4).Text()),
			PlanDisk:   strings.TrimSpace(cells.Eq(5).Text()),
		})
	})
	return vms, true, nil
}

// vmIDFromHref returns the _v query parameter of a control.php link.
func vmIDFromHref(href string) string {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(u.Query().Get("_v"))
}

// vmTypeFromCell reads the virtualization type from the row's icon cell.
func vmTypeFromCell(cell *goquery.Selection) models.VMType {
	html, err := goquery.OuterHtml(cell)
	if err == nil && strings.Contains(html, "kvm.png") {
		return models.VMTypeKVM
	}
	return models.VMTypeOpenVZ
}
