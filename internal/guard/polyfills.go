package guard

import (
	"fmt"
	"time"

	"github.com/slicework/sandbox/internal/core"
)

// polyfillsJS backfills the platform features the capability surface
// promises but the host engine may lack: base64 encode/decode, UTF-8 text
// codecs, a minimal binary blob with slicing and async read-out, and a
// timer-backed requestAnimationFrame. Application is idempotent: a name
// already satisfied anywhere on the global prototype chain is skipped;
// otherwise a non-configurable overwritable accessor is defined on the root
// object. Every installed value is also recorded in __guardValues so the
// access-control accessors can serve it for reads of non-allow-listed names.
const polyfillsJS = `
(function() {
	var B64 = 'ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/';
	var B64REV = {};
	for (var i = 0; i < B64.length; i++) B64REV[B64.charAt(i)] = i;

	function btoaImpl(data) {
		var s = String(data);
		var out = '';
		for (var i = 0; i < s.length; i += 3) {
			var a = s.charCodeAt(i);
			var b = i + 1 < s.length ? s.charCodeAt(i + 1) : NaN;
			var c = i + 2 < s.length ? s.charCodeAt(i + 2) : NaN;
			if (a > 255 || b > 255 || c > 255) {
				throw new Error('btoa: string contains characters outside of the Latin1 range');
			}
			out += B64.charAt(a >> 2);
			out += B64.charAt(((a & 3) << 4) | (isNaN(b) ? 0 : b >> 4));
			out += isNaN(b) ? '=' : B64.charAt(((b & 15) << 2) | (isNaN(c) ? 0 : c >> 6));
			out += isNaN(c) ? '=' : B64.charAt(c & 63);
		}
		return out;
	}

	function atobImpl(data) {
		var s = String(data).replace(/[\t\n\f\r ]/g, '');
		if (s.length % 4 === 0) s = s.replace(/==?$/, '');
		if (s.length % 4 === 1 || /[^A-Za-z0-9+\/]/.test(s)) {
			throw new Error('atob: invalid base64 string');
		}
		var out = '';
		var buf = 0, bits = 0;
		for (var i = 0; i < s.length; i++) {
			buf = (buf << 6) | B64REV[s.charAt(i)];
			bits += 6;
			if (bits >= 8) {
				bits -= 8;
				out += String.fromCharCode((buf >> bits) & 255);
			}
		}
		return out;
	}

	function encodeUTF8(str) {
		var bytes = [];
		for (var i = 0; i < str.length; i++) {
			var cp = str.codePointAt(i);
			if (cp > 0xffff) i++;
			if (cp < 0x80) {
				bytes.push(cp);
			} else if (cp < 0x800) {
				bytes.push(0xc0 | (cp >> 6), 0x80 | (cp & 63));
			} else if (cp < 0x10000) {
				bytes.push(0xe0 | (cp >> 12), 0x80 | ((cp >> 6) & 63), 0x80 | (cp & 63));
			} else {
				bytes.push(0xf0 | (cp >> 18), 0x80 | ((cp >> 12) & 63),
					0x80 | ((cp >> 6) & 63), 0x80 | (cp & 63));
			}
		}
		return new Uint8Array(bytes);
	}

	function decodeUTF8(bytes) {
		var out = '';
		var i = 0;
		while (i < bytes.length) {
			var b = bytes[i++];
			var cp;
			if (b < 0x80) {
				cp = b;
			} else if ((b & 0xe0) === 0xc0) {
				cp = ((b & 31) << 6) | (bytes[i++] & 63);
			} else if ((b & 0xf0) === 0xe0) {
				cp = ((b & 15) << 12) | ((bytes[i++] & 63) << 6) | (bytes[i++] & 63);
			} else {
				cp = ((b & 7) << 18) | ((bytes[i++] & 63) << 12) |
					((bytes[i++] & 63) << 6) | (bytes[i++] & 63);
			}
			out += String.fromCodePoint(cp);
		}
		return out;
	}

	function TextEncoderImpl() {}
	TextEncoderImpl.prototype.encoding = 'utf-8';
	TextEncoderImpl.prototype.encode = function(str) {
		return encodeUTF8(String(str === undefined ? '' : str));
	};

	function TextDecoderImpl(label) {
		var enc = (label || 'utf-8').toLowerCase();
		if (enc !== 'utf-8' && enc !== 'utf8') {
			throw new RangeError('TextDecoder: unsupported encoding ' + label);
		}
		this.encoding = 'utf-8';
	}
	TextDecoderImpl.prototype.decode = function(input) {
		if (input === undefined) return '';
		var bytes = input instanceof Uint8Array ? input : new Uint8Array(
			input instanceof ArrayBuffer ? input : input.buffer);
		return decodeUTF8(bytes);
	};

	function BlobImpl(parts, options) {
		var chunks = [];
		var size = 0;
		parts = parts || [];
		for (var i = 0; i < parts.length; i++) {
			var p = parts[i];
			var bytes;
			if (typeof p === 'string') {
				bytes = encodeUTF8(p);
			} else if (p instanceof BlobImpl) {
				bytes = p._bytes;
			} else if (p instanceof ArrayBuffer) {
				bytes = new Uint8Array(p.slice(0));
			} else if (p && p.buffer instanceof ArrayBuffer) {
				bytes = new Uint8Array(p.buffer.slice(p.byteOffset, p.byteOffset + p.byteLength));
			} else {
				bytes = encodeUTF8(String(p));
			}
			chunks.push(bytes);
			size += bytes.length;
		}
		var all = new Uint8Array(size);
		var off = 0;
		for (var j = 0; j < chunks.length; j++) {
			all.set(chunks[j], off);
			off += chunks[j].length;
		}
		this._bytes = all;
		this.size = size;
		this.type = (options && options.type) || '';
	}
	BlobImpl.prototype.slice = function(start, end, contentType) {
		var n = this.size;
		var s = start === undefined ? 0 : (start < 0 ? Math.max(n + start, 0) : Math.min(start, n));
		var e = end === undefined ? n : (end < 0 ? Math.max(n + end, 0) : Math.min(end, n));
		var sliced = new BlobImpl([], { type: contentType || '' });
		sliced._bytes = this._bytes.subarray(s, Math.max(e, s));
		sliced.size = sliced._bytes.length;
		return sliced;
	};
	BlobImpl.prototype.arrayBuffer = function() {
		var bytes = this._bytes;
		return Promise.resolve(bytes.buffer.slice(bytes.byteOffset, bytes.byteOffset + bytes.byteLength));
	};
	BlobImpl.prototype.text = function() {
		return Promise.resolve(decodeUTF8(this._bytes));
	};

	function rafImpl(callback) {
		return setTimeout(function() { callback(performance.now()); }, 16);
	}

	var impls = {
		atob: atobImpl,
		btoa: btoaImpl,
		TextEncoder: TextEncoderImpl,
		TextDecoder: TextDecoderImpl,
		Blob: BlobImpl,
		requestAnimationFrame: rafImpl
	};

	globalThis.__guardValues = globalThis.__guardValues || {};

	function satisfied(name) {
		var obj = globalThis;
		while (obj) {
			if (Object.prototype.hasOwnProperty.call(obj, name)) return true;
			obj = Object.getPrototypeOf(obj);
		}
		return false;
	}

	for (var name in impls) {
		globalThis.__guardValues[name] = impls[name];
		if (satisfied(name)) continue;
		(function(value) {
			var written = false;
			var stored;
			Object.defineProperty(globalThis, name, {
				configurable: false,
				get: function() { return written ? stored : value; },
				set: function(v) { written = true; stored = v; }
			});
		})(impls[name]);
	}
})();
`

// SetupPolyfills installs the backfilled platform features and the
// Go-backed performance.now clock.
func SetupPolyfills(rt core.JSRuntime) error {
	epoch := time.Now()
	if err := rt.RegisterFunc("__perfNow", func() float64 {
		return float64(time.Since(epoch).Nanoseconds()) / 1e6
	}); err != nil {
		return fmt.Errorf("registering __perfNow: %w", err)
	}
	if err := rt.Eval(`
		globalThis.performance = {
			now: function() { return __perfNow(); }
		};
	`); err != nil {
		return fmt.Errorf("setting up performance: %w", err)
	}
	if err := rt.Eval(polyfillsJS); err != nil {
		return fmt.Errorf("evaluating polyfills: %w", err)
	}
	return nil
}
