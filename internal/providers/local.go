package providers

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/invoice-cli/internal/model"
	"github.com/sells-group/invoice-cli/internal/provider"
	"github.com/sells-group/invoice-cli/internal/resilience"
)

var (
	rePONumber = regexp.MustCompile(`(?i)\b(?:P\.?O\.?|purchase\s+order)\s*(?:no\.?|number|#)?\s*[:#]?\s*([A-Z0-9-]*[0-9][A-Z0-9-]*)`)
	reDueDate  = regexp.MustCompile(`(?i)\bdue\s*(?:date)?\s*[:\-]?\s*(\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{2,4})`)
	reTerms    = regexp.MustCompile(`(?i)\b(net\s*\d{1,3}|due\s+on\s+receipt)\b`)
	reTaxID    = regexp.MustCompile(`(?i)\b(?:tax\s*id|ein|vat(?:\s*no\.?)?)\s*[:#]?\s*([A-Z]{0,2}[0-9][0-9-]{6,})`)
	reEmail    = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	reIBAN     = regexp.MustCompile(`\b[A-Z]{2}\d{2}(?:\s?[A-Z0-9]{4}){3,7}(?:\s?[A-Z0-9]{1,4})?\b`)
	reSpaces   = regexp.MustCompile(`\s+`)
)

// LocalAnalyzer derives entities from extracted fields and document text
// with pattern matching. It makes no network calls.
type LocalAnalyzer struct {
	base
}

// NewLocalAnalyzer creates the fallback analysis provider.
func NewLocalAnalyzer(policy resilience.RatePolicy) *LocalAnalyzer {
	return &LocalAnalyzer{
		base: base{name: NameLocal, stage: model.StageAnalysis, policy: policy},
	}
}

// Call builds the entity map. Confidence is the share of expected entities
// that were found.
func (p *LocalAnalyzer) Call(ctx context.Context, req provider.Request) (*provider.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ext, err := requireExtracted(req)
	if err != nil {
		return nil, err
	}

	text := norm.NFKC.String(ext.Text)
	entities := make(map[string]string)
	set := func(k, v string) {
		v = strings.TrimSpace(reSpaces.ReplaceAllString(v, " "))
		if v != "" {
			entities[k] = v
		}
	}

	vendor := norm.NFKC.String(ext.Vendor)
	set("vendor", vendor)
	set("vendor_key", VendorKey(vendor))
	set("invoice_number", norm.NFKC.String(ext.InvoiceNumber))
	if ext.Amount > 0 {
		set("amount", strconv.FormatFloat(ext.Amount, 'f', 2, 64))
	}
	set("currency", ext.Currency)
	set("date", ext.Date)
	if len(ext.LineItems) > 0 {
		set("line_item_count", strconv.Itoa(len(ext.LineItems)))
	}

	set("po_number", firstGroup(rePONumber, text))
	set("due_date", firstGroup(reDueDate, text))
	set("payment_terms", cases.Fold().String(firstGroup(reTerms, text)))
	set("tax_id", firstGroup(reTaxID, text))
	set("email", reEmail.FindString(text))
	set("iban", strings.ReplaceAll(reIBAN.FindString(text), " ", ""))

	expected := []string{"vendor", "invoice_number", "amount", "date", "due_date", "payment_terms", "po_number"}
	found := 0
	for _, k := range expected {
		if _, ok := entities[k]; ok {
			found++
		}
	}

	return &provider.Result{
		Provider: p.name,
		Analysis: &model.Analysis{
			Entities:   entities,
			Confidence: float64(found) / float64(len(expected)),
		},
	}, nil
}

// VendorKey normalizes a vendor name for matching. It case folds, drops
// punctuation and strips trailing company suffixes.
func VendorKey(vendor string) string {
	s := cases.Fold().String(norm.NFKC.String(vendor))
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r > 127:
			return r
		case r == ' ' || r == '-' || r == '&':
			return ' '
		}
		return -1
	}, s)
	words := strings.Fields(s)
	for len(words) > 1 {
		switch words[len(words)-1] {
		case "inc", "llc", "ltd", "co", "corp", "corporation", "gmbh", "sa", "plc":
			words = words[:len(words)-1]
			continue
		}
		break
	}
	return strings.Join(words, " ")
}

func firstGroup(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}
