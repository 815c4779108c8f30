/*
 *
 * Copyright 2025 The tiny-llm-server Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package dispatch

const hexDigits = "0123456789abcdef"

// appendJSONEscaped appends src to dst with JSON string escaping. Everything
// in [0x00,0x1f] that has no short escape becomes \uXXXX, so embedded NULs
// come out as \u0000; bytes above that range pass through untouched.
func appendJSONEscaped(dst, src []byte) []byte {
	for _, b := range src {
		switch b {
		case '"':
			dst = append(dst, '\\', '"')
		case '\\':
			dst = append(dst, '\\', '\\')
		case '\b':
			dst = append(dst, '\\', 'b')
		case '\f':
			dst = append(dst, '\\', 'f')
		case '\n':
			dst = append(dst, '\\', 'n')
		case '\r':
			dst = append(dst, '\\', 'r')
		case '\t':
			dst = append(dst, '\\', 't')
		default:
			if b < 0x20 {
				dst = append(dst, '\\', 'u', '0', '0', hexDigits[b>>4], hexDigits[b&0x0f])
			} else {
				dst = append(dst, b)
			}
		}
	}
	return dst
}

// FrameChunk renders one streamed chunk as the wire object the HTTP layer
// forwards verbatim: {"chunk":"<escaped>","is_last":<bool>}.
func FrameChunk(payload []byte, last bool) []byte {
	buf := make([]byte, 0, len(payload)+32)
	buf = append(buf, `{"chunk":"`...)
	buf = appendJSONEscaped(buf, payload)
	buf = append(buf, `","is_last":`...)
	if last {
		buf = append(buf, "true"...)
	} else {
		buf = append(buf, "false"...)
	}
	buf = append(buf, '}')
	return buf
}

// ErrorChunk renders an error surfaced to the HTTP client:
// {"error":"<escaped reason>"}.
func ErrorChunk(reason string) []byte {
	buf := make([]byte, 0, len(reason)+16)
	buf = append(buf, `{"error":"`...)
	buf = appendJSONEscaped(buf, []byte(reason))
	buf = append(buf, `"}`...)
	return buf
}
