package ledger

// codec.go implements the JSON transfer format.
//
// Integer fields (dueAmount, amount, paymentDate, nextPaymentDate) travel as
// decimal strings so no precision is lost in JSON number handling. Parties
// and visit records are arrays of [id, value] pairs. Object keys this
// version does not know are kept in Extra and written back on encode.

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"slices"
	"strconv"
)

// Wire keys.
const (
	keyParties      = "parties"
	keyVisitRecords = "partyVisitRecords"
	keyBranding     = "branding"

	keyID        = "id"
	keyName      = "name"
	keyAddress   = "address"
	keyPhone     = "phone"
	keyPAN       = "pan"
	keyDueAmount = "dueAmount"

	keyComment         = "comment"
	keyPaymentDate     = "paymentDate"
	keyAmount          = "amount"
	keyNextPaymentDate = "nextPaymentDate"
	keyLocation        = "location"
	keyLatitude        = "latitude"
	keyLongitude       = "longitude"

	keyLogo = "logo"
)

var decimalPattern = regexp.MustCompile(`^-?[0-9]+$`)

// EncodeSnapshot renders s in the transfer format.
// Pairs are sorted by id so equal snapshots encode to equal bytes.
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeSnapshot(&buf, s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteSnapshot encodes s to w.
func WriteSnapshot(w io.Writer, s Snapshot) error {
	data, err := EncodeSnapshot(s)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// DecodeSnapshot parses the transfer format. Any malformed input yields a
// *TransferFormatError.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return Snapshot{}, &TransferFormatError{Err: err}
	}
	if top == nil {
		return Snapshot{}, formatErr("", "expected an object, got null")
	}

	snap := NewSnapshot()

	raw, err := requiredMember(top, keyParties)
	if err != nil {
		return Snapshot{}, err
	}
	if snap.Parties, err = decodeParties(raw); err != nil {
		return Snapshot{}, err
	}
	if raw, err = requiredMember(top, keyVisitRecords); err != nil {
		return Snapshot{}, err
	}
	if snap.VisitRecords, err = decodeVisitRecords(raw); err != nil {
		return Snapshot{}, err
	}
	if raw, ok := top[keyBranding]; ok && !isNull(raw) {
		b, err := decodeBranding(raw)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Branding = Some(b)
	}

	snap.Extra = extraFields(top, keyParties, keyVisitRecords, keyBranding)
	return snap, nil
}

// ReadSnapshot reads all of r and decodes it.
func ReadSnapshot(r io.Reader) (Snapshot, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	return DecodeSnapshot(data)
}

// ----------------------------------------------------------------------------
// Encoding
// ----------------------------------------------------------------------------

// objectWriter writes a JSON object with keys in insertion order.
type objectWriter struct {
	buf   *bytes.Buffer
	count int
	err   error
}

func newObject(buf *bytes.Buffer) *objectWriter {
	buf.WriteByte('{')
	return &objectWriter{buf: buf}
}

func (o *objectWriter) key(k string) {
	if o.count > 0 {
		o.buf.WriteByte(',')
	}
	o.count++
	kb, _ := json.Marshal(k)
	o.buf.Write(kb)
	o.buf.WriteByte(':')
}

func (o *objectWriter) value(k string, v any) {
	if o.err != nil {
		return
	}
	o.key(k)
	b, err := json.Marshal(v)
	if err != nil {
		o.err = fmt.Errorf("encode %s: %w", k, err)
		return
	}
	o.buf.Write(b)
}

func (o *objectWriter) integer(k string, n int64) {
	o.value(k, strconv.FormatInt(n, 10))
}

func (o *objectWriter) raw(k string, fn func(*bytes.Buffer) error) {
	if o.err != nil {
		return
	}
	o.key(k)
	if err := fn(o.buf); err != nil {
		o.err = err
	}
}

// extra writes unknown fields, skipping any that collide with known keys.
func (o *objectWriter) extra(e Extra, known ...string) {
	keys := make([]string, 0, len(e))
	for k := range e {
		if !slices.Contains(known, k) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		if o.err != nil {
			return
		}
		if !json.Valid(e[k]) {
			o.err = fmt.Errorf("encode %s: invalid JSON in extra field", k)
			return
		}
		o.key(k)
		o.buf.Write(e[k])
	}
}

func (o *objectWriter) close() error {
	o.buf.WriteByte('}')
	return o.err
}

func encodeSnapshot(buf *bytes.Buffer, s Snapshot) error {
	obj := newObject(buf)
	obj.raw(keyParties, func(buf *bytes.Buffer) error {
		return encodeParties(buf, s.Parties)
	})
	obj.raw(keyVisitRecords, func(buf *bytes.Buffer) error {
		return encodeVisitRecords(buf, s.VisitRecords)
	})
	if b, ok := s.Branding.Get(); ok {
		obj.raw(keyBranding, func(buf *bytes.Buffer) error {
			return encodeBranding(buf, b)
		})
	}
	obj.extra(s.Extra, keyParties, keyVisitRecords, keyBranding)
	return obj.close()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func encodeParties(buf *bytes.Buffer, parties map[string]PartyRecord) error {
	buf.WriteByte('[')
	for i, id := range sortedKeys(parties) {
		if i > 0 {
			buf.WriteByte(',')
		}
		p := parties[id]
		if p.ID != id {
			return fmt.Errorf("encode parties: party %q stored under key %q", p.ID, id)
		}
		writePairKey(buf, id)
		if err := encodeParty(buf, p); err != nil {
			return err
		}
		buf.WriteByte(']')
	}
	buf.WriteByte(']')
	return nil
}

func writePairKey(buf *bytes.Buffer, id string) {
	kb, _ := json.Marshal(id)
	buf.WriteByte('[')
	buf.Write(kb)
	buf.WriteByte(',')
}

func encodeParty(buf *bytes.Buffer, p PartyRecord) error {
	obj := newObject(buf)
	obj.value(keyID, p.ID)
	obj.value(keyPAN, p.TaxID)
	obj.value(keyName, p.Name)
	obj.value(keyAddress, p.Address)
	obj.value(keyPhone, p.Phone)
	obj.integer(keyDueAmount, p.DueAmount)
	obj.extra(p.Extra, keyID, keyPAN, keyName, keyAddress, keyPhone, keyDueAmount)
	return obj.close()
}

func encodeVisitRecords(buf *bytes.Buffer, visits map[string][]VisitRecord) error {
	buf.WriteByte('[')
	for i, id := range sortedKeys(visits) {
		if i > 0 {
			buf.WriteByte(',')
		}
		writePairKey(buf, id)
		buf.WriteByte('[')
		for j, v := range visits[id] {
			if j > 0 {
				buf.WriteByte(',')
			}
			if err := encodeVisit(buf, v); err != nil {
				return err
			}
		}
		buf.WriteString("]]")
	}
	buf.WriteByte(']')
	return nil
}

func encodeVisit(buf *bytes.Buffer, v VisitRecord) error {
	obj := newObject(buf)
	obj.value(keyComment, v.Comment)
	obj.integer(keyPaymentDate, v.PaymentTime)
	obj.integer(keyAmount, v.Amount)
	if next, ok := v.NextPaymentTime.Get(); ok {
		obj.integer(keyNextPaymentDate, next)
	}
	if loc, ok := v.Location.Get(); ok {
		obj.raw(keyLocation, func(buf *bytes.Buffer) error {
			lo := newObject(buf)
			lo.value(keyLatitude, loc.Latitude)
			lo.value(keyLongitude, loc.Longitude)
			return lo.close()
		})
	}
	obj.extra(v.Extra, keyComment, keyPaymentDate, keyAmount, keyNextPaymentDate, keyLocation)
	return obj.close()
}

func encodeBranding(buf *bytes.Buffer, b Branding) error {
	obj := newObject(buf)
	if name, ok := b.Name.Get(); ok {
		obj.value(keyName, name)
	}
	if logo, ok := b.Logo.Get(); ok {
		obj.value(keyLogo, logo)
	}
	obj.extra(b.Extra, keyName, keyLogo)
	return obj.close()
}

// ----------------------------------------------------------------------------
// Decoding
// ----------------------------------------------------------------------------

// requiredMember returns top[key], which must be present and not null.
func requiredMember(top map[string]json.RawMessage, key string) (json.RawMessage, error) {
	raw, ok := top[key]
	if !ok || isNull(raw) {
		return nil, formatErr(key, "missing")
	}
	return raw, nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

// extraFields returns the members of obj not named in known, or nil.
func extraFields(obj map[string]json.RawMessage, known ...string) Extra {
	var out Extra
	for k, v := range obj {
		if slices.Contains(known, k) {
			continue
		}
		if out == nil {
			out = make(Extra)
		}
		out[k] = v
	}
	return out
}

func decodeObject(path string, raw json.RawMessage) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, formatErr(path, "expected an object")
	}
	return obj, nil
}

// decodePairs splits a [[id, value], ...] array.
func decodePairs(path string, raw json.RawMessage) ([]string, []json.RawMessage, error) {
	var pairs []json.RawMessage
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, nil, formatErr(path, "expected an array of [id, value] pairs")
	}

	ids := make([]string, 0, len(pairs))
	values := make([]json.RawMessage, 0, len(pairs))
	seen := make(map[string]bool, len(pairs))
	for i, pair := range pairs {
		p := fmt.Sprintf("%s[%d]", path, i)
		var elems []json.RawMessage
		if err := json.Unmarshal(pair, &elems); err != nil || len(elems) != 2 {
			return nil, nil, formatErr(p, "expected an [id, value] pair")
		}
		var id string
		if err := json.Unmarshal(elems[0], &id); err != nil || isNull(elems[0]) {
			return nil, nil, formatErr(p+"[0]", "id must be a string")
		}
		if seen[id] {
			return nil, nil, formatErr(p+"[0]", "duplicate id %q", id)
		}
		seen[id] = true
		ids = append(ids, id)
		values = append(values, elems[1])
	}
	return ids, values, nil
}

func decodeParties(raw json.RawMessage) (map[string]PartyRecord, error) {
	ids, values, err := decodePairs(keyParties, raw)
	if err != nil {
		return nil, err
	}
	parties := make(map[string]PartyRecord, len(ids))
	for i, id := range ids {
		p, err := decodeParty(fmt.Sprintf("%s[%d][1]", keyParties, i), values[i])
		if err != nil {
			return nil, err
		}
		if p.ID != id {
			return nil, formatErr(fmt.Sprintf("%s[%d][1].id", keyParties, i), "id %q does not match pair key %q", p.ID, id)
		}
		parties[id] = p
	}
	return parties, nil
}

func decodeParty(path string, raw json.RawMessage) (PartyRecord, error) {
	obj, err := decodeObject(path, raw)
	if err != nil {
		return PartyRecord{}, err
	}

	var p PartyRecord
	if p.ID, err = requiredString(path, obj, keyID); err != nil {
		return PartyRecord{}, err
	}
	for _, f := range []struct {
		key string
		dst *string
	}{
		{keyName, &p.Name},
		{keyAddress, &p.Address},
		{keyPhone, &p.Phone},
		{keyPAN, &p.TaxID},
	} {
		if *f.dst, err = optionalString(path, obj, f.key); err != nil {
			return PartyRecord{}, err
		}
	}
	if p.DueAmount, err = requiredInteger(path, obj, keyDueAmount); err != nil {
		return PartyRecord{}, err
	}
	if p.DueAmount < 0 {
		return PartyRecord{}, formatErr(path+"."+keyDueAmount, "must not be negative")
	}

	p.Extra = extraFields(obj, keyID, keyName, keyAddress, keyPhone, keyPAN, keyDueAmount)
	return p, nil
}

func decodeVisitRecords(raw json.RawMessage) (map[string][]VisitRecord, error) {
	ids, values, err := decodePairs(keyVisitRecords, raw)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]VisitRecord, len(ids))
	for i, id := range ids {
		path := fmt.Sprintf("%s[%d][1]", keyVisitRecords, i)
		var items []json.RawMessage
		if err := json.Unmarshal(values[i], &items); err != nil || items == nil {
			return nil, formatErr(path, "expected an array of visit records")
		}
		visits := make([]VisitRecord, 0, len(items))
		for j, item := range items {
			v, err := decodeVisit(fmt.Sprintf("%s[%d]", path, j), id, item)
			if err != nil {
				return nil, err
			}
			visits = append(visits, v)
		}
		out[id] = visits
	}
	return out, nil
}

func decodeVisit(path, partyID string, raw json.RawMessage) (VisitRecord, error) {
	obj, err := decodeObject(path, raw)
	if err != nil {
		return VisitRecord{}, err
	}

	v := VisitRecord{PartyID: partyID}
	if v.Comment, err = optionalString(path, obj, keyComment); err != nil {
		return VisitRecord{}, err
	}
	if v.PaymentTime, err = requiredInteger(path, obj, keyPaymentDate); err != nil {
		return VisitRecord{}, err
	}
	if v.Amount, err = requiredInteger(path, obj, keyAmount); err != nil {
		return VisitRecord{}, err
	}
	if v.Amount < 0 {
		return VisitRecord{}, formatErr(path+"."+keyAmount, "must not be negative")
	}
	if rawNext, ok := obj[keyNextPaymentDate]; ok && !isNull(rawNext) {
		next, err := decodeInteger(path+"."+keyNextPaymentDate, rawNext)
		if err != nil {
			return VisitRecord{}, err
		}
		v.NextPaymentTime = Some(next)
	}
	if rawLoc, ok := obj[keyLocation]; ok && !isNull(rawLoc) {
		loc, err := decodeLocation(path+"."+keyLocation, rawLoc)
		if err != nil {
			return VisitRecord{}, err
		}
		v.Location = Some(loc)
	}

	v.Extra = extraFields(obj, keyComment, keyPaymentDate, keyAmount, keyNextPaymentDate, keyLocation)
	return v, nil
}

func decodeLocation(path string, raw json.RawMessage) (Location, error) {
	obj, err := decodeObject(path, raw)
	if err != nil {
		return Location{}, err
	}
	var loc Location
	for _, f := range []struct {
		key string
		dst *float64
	}{
		{keyLatitude, &loc.Latitude},
		{keyLongitude, &loc.Longitude},
	} {
		rawF, ok := obj[f.key]
		if !ok || isNull(rawF) {
			return Location{}, formatErr(path+"."+f.key, "is required")
		}
		if err := json.Unmarshal(rawF, f.dst); err != nil {
			return Location{}, formatErr(path+"."+f.key, "must be a number")
		}
	}
	return loc, nil
}

func decodeBranding(raw json.RawMessage) (Branding, error) {
	obj, err := decodeObject(keyBranding, raw)
	if err != nil {
		return Branding{}, err
	}
	var b Branding
	for _, f := range []struct {
		key string
		dst *Optional[string]
	}{
		{keyName, &b.Name},
		{keyLogo, &b.Logo},
	} {
		rawF, ok := obj[f.key]
		if !ok || isNull(rawF) {
			continue
		}
		var s string
		if err := json.Unmarshal(rawF, &s); err != nil {
			return Branding{}, formatErr(keyBranding+"."+f.key, "must be a string")
		}
		*f.dst = Some(s)
	}
	b.Extra = extraFields(obj, keyName, keyLogo)
	return b, nil
}

func optionalString(path string, obj map[string]json.RawMessage, key string) (string, error) {
	raw, ok := obj[key]
	if !ok || isNull(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", formatErr(path+"."+key, "must be a string")
	}
	return s, nil
}

func requiredString(path string, obj map[string]json.RawMessage, key string) (string, error) {
	raw, ok := obj[key]
	if !ok || isNull(raw) {
		return "", formatErr(path+"."+key, "is required")
	}
	return optionalString(path, obj, key)
}

func requiredInteger(path string, obj map[string]json.RawMessage, key string) (int64, error) {
	raw, ok := obj[key]
	if !ok || isNull(raw) {
		return 0, formatErr(path+"."+key, "is required")
	}
	return decodeInteger(path+"."+key, raw)
}

// decodeInteger accepts only a JSON string holding a base-10 integer.
func decodeInteger(path string, raw json.RawMessage) (int64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, formatErr(path, "expected a decimal string, got %s", raw)
	}
	if !decimalPattern.MatchString(s) {
		return 0, formatErr(path, "%q is not a decimal integer", s)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, formatErr(path, "%q is out of range", s)
	}
	return n, nil
}

// ----------------------------------------------------------------------------
// Single values
// ----------------------------------------------------------------------------

// EncodeParty renders one party object in the transfer format.
func EncodeParty(p PartyRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeParty(&buf, p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeParty parses one party object.
func DecodeParty(data []byte) (PartyRecord, error) {
	return decodeParty("party", data)
}

// EncodePartyList renders entries as [[id, party], ...] keeping their order.
func EncodePartyList(entries []PartyEntry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, e := range entries {
		if e.Party.ID != e.ID {
			return nil, fmt.Errorf("encode parties: party %q listed under id %q", e.Party.ID, e.ID)
		}
		if i > 0 {
			buf.WriteByte(',')
		}
		writePairKey(&buf, e.ID)
		if err := encodeParty(&buf, e.Party); err != nil {
			return nil, err
		}
		buf.WriteByte(']')
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// DecodePartyList parses [[id, party], ...] keeping the order of the input.
func DecodePartyList(data []byte) ([]PartyEntry, error) {
	ids, values, err := decodePairs(keyParties, data)
	if err != nil {
		return nil, err
	}
	entries := make([]PartyEntry, 0, len(ids))
	for i, id := range ids {
		path := fmt.Sprintf("%s[%d][1]", keyParties, i)
		p, err := decodeParty(path, values[i])
		if err != nil {
			return nil, err
		}
		if p.ID != id {
			return nil, formatErr(path+".id", "id %q does not match pair key %q", p.ID, id)
		}
		entries = append(entries, PartyEntry{ID: id, Party: p})
	}
	return entries, nil
}

// EncodeVisit renders one visit record object. The party id is not part
// of the object.
func EncodeVisit(v VisitRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeVisit(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeVisit parses one visit record object for partyID.
func DecodeVisit(partyID string, data []byte) (VisitRecord, error) {
	return decodeVisit("visit", partyID, data)
}

// MarshalJSON renders e as an [id, party] pair.
func (e PartyEntry) MarshalJSON() ([]byte, error) {
	if e.Party.ID != e.ID {
		return nil, fmt.Errorf("encode party: %q listed under id %q", e.Party.ID, e.ID)
	}
	var buf bytes.Buffer
	writePairKey(&buf, e.ID)
	if err := encodeParty(&buf, e.Party); err != nil {
		return nil, err
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON parses an [id, party] pair.
func (e *PartyEntry) UnmarshalJSON(data []byte) error {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil || len(elems) != 2 {
		return formatErr("party", "expected an [id, value] pair")
	}
	var id string
	if err := json.Unmarshal(elems[0], &id); err != nil || isNull(elems[0]) {
		return formatErr("party[0]", "id must be a string")
	}
	p, err := decodeParty("party[1]", elems[1])
	if err != nil {
		return err
	}
	if p.ID != id {
		return formatErr("party[1].id", "id %q does not match pair key %q", p.ID, id)
	}
	*e = PartyEntry{ID: id, Party: p}
	return nil
}
