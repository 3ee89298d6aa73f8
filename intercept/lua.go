package intercept

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/Shopify/go-lua"
	"github.com/Shopify/goluago/util"
	"github.com/rs/zerolog"
	"github.com/tfkr-ae/snag/domain"
)

// luaHook is the global function a script defines to inspect records.
const luaHook = "willSend"

// ErrMissingHook is returned when a script does not define willSend.
var ErrMissingHook = errors.New("script does not define " + luaHook)

// LuaDelegate runs a Lua script against every record.
//
// The script defines willSend(record) and returns either a table with the fields to forward
// or nil to veto. Fields missing from the returned table keep their original value. Script
// errors pass the record through unchanged.
type LuaDelegate struct {
	mu     sync.Mutex
	state  *lua.State
	logger zerolog.Logger
}

// NewLuaDelegate loads code into a fresh Lua state.
func NewLuaDelegate(code string, logger zerolog.Logger) (*LuaDelegate, error) {
	d := &LuaDelegate{
		state:  lua.NewState(),
		logger: logger,
	}
	lua.OpenLibraries(d.state)
	d.registerLibrary()

	if err := lua.DoString(d.state, code); err != nil {
		return nil, fmt.Errorf("loading script : %w", err)
	}

	d.state.Global(luaHook)
	defer d.state.Pop(1)
	if !d.state.IsFunction(-1) {
		return nil, ErrMissingHook
	}
	return d, nil
}

// LoadLuaDelegate reads a script from disk.
func LoadLuaDelegate(path string, logger zerolog.Logger) (*LuaDelegate, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading script %s : %w", path, err)
	}
	return NewLuaDelegate(string(code), logger)
}

func (d *LuaDelegate) WillSend(record *domain.CaptureRecord) *domain.CaptureRecord {
	if record.Direction == domain.DirectionLog {
		return record
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	l := d.state
	top := l.Top()
	defer l.SetTop(top)

	l.Global(luaHook)
	util.DeepPush(l, recordTable(record))
	if err := l.ProtectedCall(1, 1, 0); err != nil {
		d.logger.Warn().Err(err).Str("record", record.ID.String()).Msg("lua delegate failed, passing record through")
		return record
	}

	if l.IsNil(-1) {
		return nil
	}
	if !l.IsTable(-1) {
		d.logger.Warn().Str("record", record.ID.String()).Msg("lua delegate returned a non-table value, passing record through")
		return record
	}

	value, err := util.PullTable(l, l.Top())
	if err != nil {
		d.logger.Warn().Err(err).Str("record", record.ID.String()).Msg("reading lua result, passing record through")
		return record
	}
	fields, ok := value.(map[string]interface{})
	if !ok {
		// an empty table comes back as a slice
		return record
	}
	return applyTable(record, fields)
}

// recordTable flattens a record into the table handed to willSend.
func recordTable(record *domain.CaptureRecord) map[string]interface{} {
	table := map[string]interface{}{
		"id":             record.ID.String(),
		"direction":      string(record.Direction),
		"method":         record.Request.Method,
		"url":            record.Request.URL,
		"requestHeaders": headersTable(record.Request.Headers),
		"requestBody":    string(record.Request.Body),
	}
	if res := record.Response; res != nil {
		table["status"] = float64(res.StatusCode)
		table["responseHeaders"] = headersTable(res.Headers)
		table["responseBody"] = string(res.Body)
	}
	return table
}

func headersTable(headers domain.Headers) []interface{} {
	out := make([]interface{}, 0, len(headers))
	for _, h := range headers {
		out = append(out, map[string]interface{}{"key": h.Key, "value": h.Value})
	}
	return out
}

// applyTable copies the fields returned by the script onto a clone of record.
func applyTable(record *domain.CaptureRecord, fields map[string]interface{}) *domain.CaptureRecord {
	out := record.Clone()

	if v, ok := fields["method"].(string); ok {
		out.Request.Method = v
	}
	if v, ok := fields["url"].(string); ok {
		out.Request.URL = v
	}
	if v, ok := fields["requestHeaders"]; ok {
		out.Request.Headers = tableHeaders(v)
	}
	if v, ok := fields["requestBody"].(string); ok {
		out.Request.Body = bodyBytes(v, record.Request.Body)
	}

	if out.Response != nil {
		if v, ok := fields["status"].(float64); ok {
			out.Response.StatusCode = int(v)
		}
		if v, ok := fields["responseHeaders"]; ok {
			out.Response.Headers = tableHeaders(v)
		}
		if v, ok := fields["responseBody"].(string); ok {
			out.Response.Body = bodyBytes(v, record.Response.Body)
		}
	}
	return refreeze(record, out)
}

func tableHeaders(value interface{}) domain.Headers {
	list, ok := value.([]interface{})
	if !ok {
		return nil
	}
	headers := make(domain.Headers, 0, len(list))
	for _, item := range list {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		key, _ := entry["key"].(string)
		val, _ := entry["value"].(string)
		if key == "" {
			continue
		}
		headers = append(headers, domain.Header{Key: key, Value: val})
	}
	return headers
}

// bodyBytes keeps an absent body absent when the script hands back an empty string.
func bodyBytes(body string, original []byte) []byte {
	if body == "" && original == nil {
		return nil
	}
	return []byte(body)
}
