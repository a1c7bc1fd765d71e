package validate

import (
	"canvas-sync/core"
	"encoding/json"
	"regexp"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

// Limits bound the numeric and textual content a payload may carry.
type Limits struct {
	// MaxCoordinate bounds |x| for every coordinate and size.
	MaxCoordinate float64
	// MaxTextLength bounds text content, in runes, after sanitization.
	MaxTextLength int
}

// DefaultLimits are generous enough for any real canvas.
var DefaultLimits = Limits{
	MaxCoordinate: 1e6,
	MaxTextLength: 4096,
}

// envelopeFields is the allow-listed metadata namespace. These ride alongside
// the business payload (credentials, tracing) and are ignored by the
// unknown-field check instead of failing it; the live channel relies on the
// token traveling inside each message.
var envelopeFields = map[string]struct{}{
	"token":         {},
	"traceId":       {},
	"correlationId": {},
	"clientId":      {},
}

// payloadFields is every business field any kind may carry.
var payloadFields = map[string]struct{}{
	"x": {}, "y": {}, "width": {}, "height": {}, "radius": {},
	"x1": {}, "y1": {}, "x2": {}, "y2": {}, "points": {},
	"strokeColor": {}, "fillColor": {}, "strokeWidth": {},
	"text": {}, "fontSize": {},
}

var (
	scriptBlockRe = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
	markupTagRe   = regexp.MustCompile(`(?s)<[^>]*>`)
)

// Validator schema-checks raw mutation payloads and produces normalized
// ObjectProps ready for direct store insertion. Its output re-validates
// cleanly, so confirmations can flow back through the same gate.
type Validator struct {
	limits Limits
}

func New(limits Limits) *Validator {
	return &Validator{limits: limits}
}

func Default() *Validator {
	return New(DefaultLimits)
}

// Validate checks a full create payload for the kind and returns the
// normalized property bag.
func (v *Validator) Validate(raw json.RawMessage, kind core.ObjectKind) (core.ObjectProps, error) {
	props, err := v.parse(raw, kind)
	if err != nil {
		return core.ObjectProps{}, err
	}
	if err := v.requireKindFields(props, kind); err != nil {
		return core.ObjectProps{}, err
	}
	return props, nil
}

// ValidateUpdate checks a partial payload: every present field must be legal
// for the kind and within bounds, but no field is required beyond at least
// one being present.
func (v *Validator) ValidateUpdate(raw json.RawMessage, kind core.ObjectKind) (core.ObjectProps, error) {
	props, err := v.parse(raw, kind)
	if err != nil {
		return core.ObjectProps{}, err
	}
	if props == (core.ObjectProps{}) {
		return core.ObjectProps{}, core.Errorf(core.KindValidation, "update carries no fields")
	}
	return props, nil
}

func (v *Validator) parse(raw json.RawMessage, kind core.ObjectKind) (core.ObjectProps, error) {
	var zero core.ObjectProps

	if !kind.Known() {
		return zero, core.Errorf(core.KindValidation, "unknown object kind %q", kind)
	}

	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return zero, core.WrapErr(core.KindValidation, err, "malformed payload")
	}

	// Unknown-field policy: business fields are strict, envelope metadata is
	// tolerated and skipped.
	for name := range fields {
		if _, ok := envelopeFields[name]; ok {
			continue
		}
		if _, ok := payloadFields[name]; !ok {
			logrus.WithFields(logrus.Fields{"field": name, "kind": kind}).Debug("rejecting unknown payload field")
			return zero, core.Errorf(core.KindValidation, "unknown field %q", name)
		}
	}

	props := core.ObjectProps{}
	var err error
	set := func(dst **float64, name string) {
		if err != nil {
			return
		}
		var val *float64
		if val, err = v.coordinate(fields, name); val != nil {
			*dst = val
		}
	}
	set(&props.X, "x")
	set(&props.Y, "y")
	set(&props.X1, "x1")
	set(&props.Y1, "y1")
	set(&props.X2, "x2")
	set(&props.Y2, "y2")
	if err != nil {
		return zero, err
	}

	for _, f := range []struct {
		dst  **float64
		name string
	}{
		{&props.Width, "width"},
		{&props.Height, "height"},
		{&props.Radius, "radius"},
		{&props.StrokeWidth, "strokeWidth"},
		{&props.FontSize, "fontSize"},
	} {
		val, err := v.size(fields, f.name)
		if err != nil {
			return zero, err
		}
		if val != nil {
			*f.dst = val
		}
	}

	if err := v.normalizePoints(fields, &props, kind); err != nil {
		return zero, err
	}

	for _, f := range []struct {
		dst  **string
		name string
	}{
		{&props.StrokeColor, "strokeColor"},
		{&props.FillColor, "fillColor"},
	} {
		val, err := stringField(fields, f.name)
		if err != nil {
			return zero, err
		}
		if val != nil {
			*f.dst = val
		}
	}

	if rawText, ok := fields["text"]; ok {
		s, ok := rawText.(string)
		if !ok {
			return zero, core.Errorf(core.KindValidation, "field %q must be a string", "text")
		}
		clean := Sanitize(s)
		if utf8.RuneCountInString(clean) > v.limits.MaxTextLength {
			return zero, core.Errorf(core.KindValidation, "text exceeds %d characters", v.limits.MaxTextLength)
		}
		props.Text = &clean
	}

	if err := v.checkKindShape(props, kind); err != nil {
		return zero, err
	}

	return props, nil
}

// normalizePoints folds the flat four-number array form into the named
// endpoint fields, so downstream only ever sees one representation.
func (v *Validator) normalizePoints(fields map[string]any, props *core.ObjectProps, kind core.ObjectKind) error {
	raw, ok := fields["points"]
	if !ok {
		return nil
	}
	if !kind.Endpoints() {
		return core.Errorf(core.KindValidation, "field %q is not valid for kind %q", "points", kind)
	}
	if props.X1 != nil || props.Y1 != nil || props.X2 != nil || props.Y2 != nil {
		return core.Errorf(core.KindValidation, "endpoints given both as points array and named fields")
	}

	arr, ok := raw.([]any)
	if !ok || len(arr) != 4 {
		return core.Errorf(core.KindValidation, "field %q must be an array of exactly four numbers", "points")
	}
	nums := make([]float64, 4)
	for i, el := range arr {
		n, ok := el.(float64)
		if !ok {
			return core.Errorf(core.KindValidation, "field %q must contain only numbers", "points")
		}
		if n < -v.limits.MaxCoordinate || n > v.limits.MaxCoordinate {
			return core.Errorf(core.KindValidation, "coordinate %v out of bounds", n)
		}
		nums[i] = n
	}
	props.X1, props.Y1 = &nums[0], &nums[1]
	props.X2, props.Y2 = &nums[2], &nums[3]
	return nil
}

// checkKindShape rejects fields that can never belong to the kind, for both
// full and partial payloads.
func (v *Validator) checkKindShape(props core.ObjectProps, kind core.ObjectKind) error {
	if kind.Endpoints() {
		if props.X != nil || props.Y != nil || props.Width != nil || props.Height != nil || props.Radius != nil {
			return core.Errorf(core.KindValidation, "position/size fields are not valid for kind %q", kind)
		}
		if props.Text != nil || props.FontSize != nil {
			return core.Errorf(core.KindValidation, "text fields are not valid for kind %q", kind)
		}
		return nil
	}

	if props.X1 != nil || props.Y1 != nil || props.X2 != nil || props.Y2 != nil {
		return core.Errorf(core.KindValidation, "endpoint fields are not valid for kind %q", kind)
	}
	switch kind {
	case core.KindText:
		if props.Width != nil || props.Height != nil || props.Radius != nil {
			return core.Errorf(core.KindValidation, "size fields are not valid for kind %q", kind)
		}
	case core.KindCircle:
		if props.Width != nil || props.Height != nil {
			return core.Errorf(core.KindValidation, "width/height are not valid for kind %q, use radius", kind)
		}
		if props.Text != nil || props.FontSize != nil {
			return core.Errorf(core.KindValidation, "text fields are not valid for kind %q", kind)
		}
	default:
		if props.Radius != nil {
			return core.Errorf(core.KindValidation, "radius is not valid for kind %q", kind)
		}
		if props.Text != nil || props.FontSize != nil {
			return core.Errorf(core.KindValidation, "text fields are not valid for kind %q", kind)
		}
	}
	return nil
}

// requireKindFields enforces the per-kind required set for create payloads.
func (v *Validator) requireKindFields(props core.ObjectProps, kind core.ObjectKind) error {
	missing := func(name string) error {
		return core.Errorf(core.KindValidation, "kind %q requires field %q", kind, name)
	}

	if kind.Endpoints() {
		switch {
		case props.X1 == nil:
			return missing("x1")
		case props.Y1 == nil:
			return missing("y1")
		case props.X2 == nil:
			return missing("x2")
		case props.Y2 == nil:
			return missing("y2")
		}
		return nil
	}

	if props.X == nil {
		return missing("x")
	}
	if props.Y == nil {
		return missing("y")
	}

	switch kind {
	case core.KindText:
		if props.Text == nil {
			return missing("text")
		}
	case core.KindCircle:
		if props.Radius == nil {
			return missing("radius")
		}
	default:
		if props.Width == nil {
			return missing("width")
		}
		if props.Height == nil {
			return missing("height")
		}
	}
	return nil
}

func (v *Validator) coordinate(fields map[string]any, name string) (*float64, error) {
	raw, ok := fields[name]
	if !ok {
		return nil, nil
	}
	n, ok := raw.(float64)
	if !ok {
		return nil, core.Errorf(core.KindValidation, "field %q must be a number", name)
	}
	if n < -v.limits.MaxCoordinate || n > v.limits.MaxCoordinate {
		return nil, core.Errorf(core.KindValidation, "field %q out of bounds", name)
	}
	return &n, nil
}

func (v *Validator) size(fields map[string]any, name string) (*float64, error) {
	raw, ok := fields[name]
	if !ok {
		return nil, nil
	}
	n, ok := raw.(float64)
	if !ok {
		return nil, core.Errorf(core.KindValidation, "field %q must be a number", name)
	}
	if n <= 0 || n > v.limits.MaxCoordinate {
		return nil, core.Errorf(core.KindValidation, "field %q must be positive and within bounds", name)
	}
	return &n, nil
}

func stringField(fields map[string]any, name string) (*string, error) {
	raw, ok := fields[name]
	if !ok {
		return nil, nil
	}
	s, ok := raw.(string)
	if !ok {
		return nil, core.Errorf(core.KindValidation, "field %q must be a string", name)
	}
	return &s, nil
}

// Sanitize strips executable markup from free text. Broadcast content is
// rendered by other clients with no further escaping guaranteed, so this is
// the XSS boundary. The function is idempotent: sanitized output passes
// through unchanged.
func Sanitize(s string) string {
	s = scriptBlockRe.ReplaceAllString(s, "")
	s = markupTagRe.ReplaceAllString(s, "")
	return s
}
