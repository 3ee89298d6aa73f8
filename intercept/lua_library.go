package intercept

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/Shopify/go-lua"
	"github.com/Shopify/goluago/util"
	"github.com/google/uuid"
)

const defaultCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// registerLibrary exposes the snag table to scripts:
//
//	snag.log(message)
//	snag.crypto.md5 / sha1 / sha256 (input) and hmac_sha256(key, input), hex encoded
//	snag.base64 / hex / url .encode and .decode
//	snag.json.encode(value) and snag.json.decode(text)
//	snag.strings.contains / has_prefix / has_suffix / split / trim / replace
//	snag.random.int(min, max) and snag.random.string(length, charset)
//	snag.uuid() and snag.timestamp()
func (d *LuaDelegate) registerLibrary() {
	l := d.state
	lua.NewLibrary(l, []lua.RegistryFunction{
		{Name: "log", Function: func(l *lua.State) int {
			d.logger.Info().Str("source", "lua").Msg(lua.CheckString(l, 1))
			return 0
		}},
		{Name: "uuid", Function: func(l *lua.State) int {
			l.PushString(uuid.NewString())
			return 1
		}},
		{Name: "timestamp", Function: func(l *lua.State) int {
			l.PushInteger(int(time.Now().Unix()))
			return 1
		}},
	})

	sub := func(name string, funcs []lua.RegistryFunction) {
		lua.NewLibrary(l, funcs)
		l.SetField(-2, name)
	}
	sub("crypto", cryptoLibrary())
	sub("base64", codecLibrary(base64.StdEncoding.EncodeToString, base64.StdEncoding.DecodeString))
	sub("hex", codecLibrary(hex.EncodeToString, hex.DecodeString))
	sub("url", codecLibrary(
		func(b []byte) string { return url.QueryEscape(string(b)) },
		func(s string) ([]byte, error) {
			out, err := url.QueryUnescape(s)
			return []byte(out), err
		},
	))
	sub("json", jsonLibrary())
	sub("strings", stringsLibrary())
	sub("random", randomLibrary())

	l.SetGlobal("snag")
}

func cryptoLibrary() []lua.RegistryFunction {
	digest := func(sum func([]byte) []byte) lua.Function {
		return func(l *lua.State) int {
			l.PushString(hex.EncodeToString(sum([]byte(lua.CheckString(l, 1)))))
			return 1
		}
	}
	return []lua.RegistryFunction{
		{Name: "md5", Function: digest(func(b []byte) []byte { s := md5.Sum(b); return s[:] })},
		{Name: "sha1", Function: digest(func(b []byte) []byte { s := sha1.Sum(b); return s[:] })},
		{Name: "sha256", Function: digest(func(b []byte) []byte { s := sha256.Sum256(b); return s[:] })},
		{Name: "hmac_sha256", Function: func(l *lua.State) int {
			mac := hmac.New(sha256.New, []byte(lua.CheckString(l, 1)))
			mac.Write([]byte(lua.CheckString(l, 2)))
			l.PushString(hex.EncodeToString(mac.Sum(nil)))
			return 1
		}},
	}
}

// codecLibrary builds an encode/decode pair. decode returns nil and the error message on failure.
func codecLibrary(encode func([]byte) string, decode func(string) ([]byte, error)) []lua.RegistryFunction {
	return []lua.RegistryFunction{
		{Name: "encode", Function: func(l *lua.State) int {
			l.PushString(encode([]byte(lua.CheckString(l, 1))))
			return 1
		}},
		{Name: "decode", Function: func(l *lua.State) int {
			out, err := decode(lua.CheckString(l, 1))
			if err != nil {
				l.PushNil()
				l.PushString(err.Error())
				return 2
			}
			l.PushString(string(out))
			return 1
		}},
	}
}

func jsonLibrary() []lua.RegistryFunction {
	return []lua.RegistryFunction{
		{Name: "encode", Function: func(l *lua.State) int {
			value, err := luaValue(l, 1)
			if err != nil {
				lua.Errorf(l, "reading value: %s", err.Error())
				return 0
			}
			out, err := json.Marshal(value)
			if err != nil {
				lua.Errorf(l, "marshalling json: %s", err.Error())
				return 0
			}
			l.PushString(string(out))
			return 1
		}},
		{Name: "decode", Function: func(l *lua.State) int {
			var decoded any
			if err := json.Unmarshal([]byte(lua.CheckString(l, 1)), &decoded); err != nil {
				l.PushNil()
				l.PushString(err.Error())
				return 2
			}
			util.DeepPush(l, decoded)
			return 1
		}},
	}
}

// luaValue reads the value at index as a Go value.
func luaValue(l *lua.State, index int) (any, error) {
	switch {
	case l.IsNil(index):
		return nil, nil
	case l.IsTable(index):
		return util.PullTable(l, index)
	case l.IsBoolean(index):
		return l.ToBoolean(index), nil
	case l.IsNumber(index):
		n, _ := l.ToNumber(index)
		return n, nil
	}
	s, _ := l.ToString(index)
	return s, nil
}

func stringsLibrary() []lua.RegistryFunction {
	predicate := func(fn func(s, substr string) bool) lua.Function {
		return func(l *lua.State) int {
			l.PushBoolean(fn(lua.CheckString(l, 1), lua.CheckString(l, 2)))
			return 1
		}
	}
	return []lua.RegistryFunction{
		{Name: "contains", Function: predicate(strings.Contains)},
		{Name: "has_prefix", Function: predicate(strings.HasPrefix)},
		{Name: "has_suffix", Function: predicate(strings.HasSuffix)},
		{Name: "split", Function: func(l *lua.State) int {
			parts := strings.Split(lua.CheckString(l, 1), lua.CheckString(l, 2))
			list := make([]any, len(parts))
			for i, p := range parts {
				list[i] = p
			}
			util.DeepPush(l, list)
			return 1
		}},
		{Name: "trim", Function: func(l *lua.State) int {
			l.PushString(strings.TrimSpace(lua.CheckString(l, 1)))
			return 1
		}},
		{Name: "replace", Function: func(l *lua.State) int {
			l.PushString(strings.ReplaceAll(lua.CheckString(l, 1), lua.CheckString(l, 2), lua.CheckString(l, 3)))
			return 1
		}},
	}
}

func randomLibrary() []lua.RegistryFunction {
	return []lua.RegistryFunction{
		{Name: "int", Function: func(l *lua.State) int {
			lo, hi := lua.CheckInteger(l, 1), lua.CheckInteger(l, 2)
			if lo > hi {
				lua.ArgumentError(l, 1, "minimum value cannot be greater than max")
				return 0
			}
			n, err := rand.Int(rand.Reader, big.NewInt(int64(hi-lo)+1))
			if err != nil {
				lua.Errorf(l, "generating random int: %s", err.Error())
				return 0
			}
			l.PushInteger(lo + int(n.Int64()))
			return 1
		}},
		{Name: "string", Function: func(l *lua.State) int {
			length := lua.CheckInteger(l, 1)
			charset := lua.OptString(l, 2, defaultCharset)
			if length <= 0 {
				l.PushString("")
				return 1
			}
			if charset == "" {
				lua.ArgumentError(l, 2, "charset cannot be empty")
				return 0
			}
			out := make([]byte, length)
			size := big.NewInt(int64(len(charset)))
			for i := range out {
				n, err := rand.Int(rand.Reader, size)
				if err != nil {
					lua.Errorf(l, "generating random string: %s", err.Error())
					return 0
				}
				out[i] = charset[n.Int64()]
			}
			l.PushString(string(out))
			return 1
		}},
	}
}
