// Package parser turns raw oracle payloads into match records.
//
// Payload format: segments joined by '|', each segment
// "<id>:<home>(<odds>)-Draw(<odds>)-<away>(<odds>)".
package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-andiamo/splitter"
	"go.uber.org/zap"

	"github.com/oseitutunelson/samantha/models"
)

const (
	segmentSeparator = "|"
	kickoffSpacing   = 24 * time.Hour
)

// Sentinels the oracle uses for "nothing delivered".
var noDataValues = map[string]bool{
	"":           true,
	"0x":         true,
	"NO_MATCHES": true,
}

var (
	teamPattern = regexp.MustCompile(`^(.+?)\(([0-9]+(?:\.[0-9]+)?)\)$`)
	drawPattern = regexp.MustCompile(`\(([0-9]+(?:\.[0-9]+)?)\)$`)

	// dashes inside parentheses never separate parts
	dashSplitter splitter.Splitter
)

func init() {
	s, err := splitter.NewSplitter('-', splitter.Parenthesis)
	if err != nil {
		panic(fmt.Sprintf("parser: build dash splitter: %v", err))
	}
	dashSplitter = s
}

// Field names reported when a default is substituted.
const (
	FieldHome = "home"
	FieldDraw = "draw"
	FieldAway = "away"
)

// SegmentResult is the tagged outcome of one segment: either Parsed with a
// record, or Skipped with a reason.
type SegmentResult struct {
	Index     int
	Raw       string
	Parsed    bool
	Record    models.MatchRecord
	Reason    string
	Defaulted []string
}

// Result holds the records parsed from one payload, in payload order.
type Result struct {
	Records  []models.MatchRecord
	Segments []SegmentResult
}

// Skipped counts the segments that failed outright.
func (r Result) Skipped() int {
	n := 0
	for _, s := range r.Segments {
		if !s.Parsed {
			n++
		}
	}
	return n
}

// Parser parses oracle payloads, logging every skipped segment and defaulted field.
type Parser struct {
	log *zap.Logger
}

// New creates a parser. A nil logger discards output.
func New(log *zap.Logger) *Parser {
	if log == nil {
		log = zap.NewNop()
	}
	return &Parser{log: log.Named("parser")}
}

// IsNoData reports whether raw carries no payload.
func IsNoData(raw string) bool {
	return noDataValues[strings.TrimSpace(raw)]
}

// Parse never fails: malformed segments are skipped, malformed fields fall
// back to defaults. Kickoff of the i-th segment is now + (i+1) days.
func (p *Parser) Parse(raw string, now time.Time) Result {
	var res Result
	if IsNoData(raw) {
		return res
	}

	segments := strings.Split(raw, segmentSeparator)
	res.Segments = make([]SegmentResult, 0, len(segments))
	for i, seg := range segments {
		sr := p.parseSegment(i, seg, now)
		res.Segments = append(res.Segments, sr)
		if !sr.Parsed {
			p.log.Warn("skipping segment",
				zap.Int("index", i),
				zap.String("segment", seg),
				zap.String("reason", sr.Reason))
			continue
		}
		if len(sr.Defaulted) > 0 {
			p.log.Warn("segment fields defaulted",
				zap.Int("index", i),
				zap.Int64("id", sr.Record.ExternalID),
				zap.Strings("fields", sr.Defaulted))
		}
		res.Records = append(res.Records, sr.Record)
	}

	p.log.Debug("parsed payload",
		zap.Int("segments", len(segments)),
		zap.Int("records", len(res.Records)),
		zap.Int("skipped", res.Skipped()))
	return res
}

func (p *Parser) parseSegment(index int, seg string, now time.Time) SegmentResult {
	sr := SegmentResult{Index: index, Raw: seg}

	idPart, rest, ok := strings.Cut(seg, ":")
	if !ok {
		sr.Reason = "missing ':'"
		return sr
	}
	id, err := strconv.ParseUint(strings.TrimSpace(idPart), 10, 63)
	if err != nil {
		sr.Reason = fmt.Sprintf("invalid id %q", idPart)
		return sr
	}

	parts := splitParts(rest)
	if len(parts) < 3 {
		sr.Reason = fmt.Sprintf("expected 3 dash-separated parts, got %d", len(parts))
		return sr
	}

	rec := models.MatchRecord{
		ExternalID:  int64(id),
		KickoffTime: now.Add(time.Duration(index+1) * kickoffSpacing),
	}

	if name, odds, ok := parseTeam(parts[0]); ok {
		rec.HomeTeam, rec.HomeOdds = name, odds
	} else {
		rec.HomeTeam, rec.HomeOdds = models.DefaultHomeTeam, models.DefaultHomeOdds
		sr.Defaulted = append(sr.Defaulted, FieldHome)
	}

	if odds, ok := parseDraw(parts[1]); ok {
		rec.DrawOdds = odds
	} else {
		rec.DrawOdds = models.DefaultDrawOdds
		sr.Defaulted = append(sr.Defaulted, FieldDraw)
	}

	if name, odds, ok := parseTeam(parts[2]); ok {
		rec.AwayTeam, rec.AwayOdds = name, odds
	} else {
		rec.AwayTeam, rec.AwayOdds = models.DefaultAwayTeam, models.DefaultAwayOdds
		sr.Defaulted = append(sr.Defaulted, FieldAway)
	}

	sr.Parsed = true
	sr.Record = rec
	return sr
}

// splitParts splits on '-' outside parentheses. Truncated payloads leave an
// unclosed '(' which the splitter rejects; those fall back to a plain split so
// the damage stays confined to the affected field.
func splitParts(rest string) []string {
	parts, err := dashSplitter.Split(rest)
	if err != nil {
		return strings.Split(rest, "-")
	}
	return parts
}

func parseTeam(part string) (string, int64, bool) {
	m := teamPattern.FindStringSubmatch(part)
	if m == nil {
		return "", 0, false
	}
	odds, ok := ScaleOdds(m[2])
	if !ok {
		return "", 0, false
	}
	return m[1], odds, true
}

func parseDraw(part string) (int64, bool) {
	m := drawPattern.FindStringSubmatch(part)
	if m == nil {
		return 0, false
	}
	return ScaleOdds(m[1])
}

// ScaleOdds converts a decimal string to fixed-point odds: round(decimal*100),
// half away from zero. Works on the digits so 2.005 gives 201 exactly.
func ScaleOdds(decimal string) (int64, bool) {
	whole, frac, _ := strings.Cut(strings.TrimSpace(decimal), ".")
	if whole == "" || len(whole) > 15 || !allDigits(whole) || !allDigits(frac) {
		return 0, false
	}

	n, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, false
	}
	for len(frac) < 3 {
		frac += "0"
	}
	cents := int64(frac[0]-'0')*10 + int64(frac[1]-'0')
	scaled := n*100 + cents
	if frac[2] >= '5' {
		scaled++
	}
	return scaled, true
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Format renders a record with the inverse of the parsing rule.
func Format(rec models.MatchRecord) string {
	return fmt.Sprintf("%d:%s(%s)-Draw(%s)-%s(%s)",
		rec.ExternalID,
		rec.HomeTeam, models.FormatOdds(rec.HomeOdds),
		models.FormatOdds(rec.DrawOdds),
		rec.AwayTeam, models.FormatOdds(rec.AwayOdds))
}

// Join formats records into one payload.
func Join(records []models.MatchRecord) string {
	segs := make([]string, len(records))
	for i, r := range records {
		segs[i] = Format(r)
	}
	return strings.Join(segs, segmentSeparator)
}
