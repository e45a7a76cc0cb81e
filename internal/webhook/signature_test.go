// MIT License
//
// Copyright (c) 2025 Mike Lane
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package webhook

import (
	"testing"
)

// TestValidateSignature verifies HMAC-SHA256 signature checking
func TestValidateSignature(t *testing.T) {
	payload := []byte(`{"action":"opened","number":123}`)

	tests := []struct {
		name      string
		signature string
		secret    string
		want      bool
	}{
		{
			// echo -n '{"action":"opened","number":123}' | openssl dgst -sha256 -hmac 'test-secret'
			name:      "Valid signature",
			signature: "sha256=2c4854fbccd6d98cff684aedfef5f0edee3d89d30c1bae27c7e111bc1e82c282",
			secret:    "test-secret",
			want:      true,
		},
		{
			name:      "Invalid signature",
			signature: "sha256=0000000000000000000000000000000000000000000000000000000000000000",
			secret:    "test-secret",
		},
		{
			name:   "Missing signature",
			secret: "test-secret",
		},
		{
			name:      "SHA1 signature is rejected",
			signature: "sha1=2c4854fbccd6d98cff684aedfef5f0edee3d89d30c1bae27",
			secret:    "test-secret",
		},
		{
			name:      "Empty secret rejects everything",
			signature: "sha256=2c4854fbccd6d98cff684aedfef5f0edee3d89d30c1bae27c7e111bc1e82c282",
		},
		{
			name:      "Wrong secret",
			signature: "sha256=2c4854fbccd6d98cff684aedfef5f0edee3d89d30c1bae27c7e111bc1e82c282",
			secret:    "other-secret",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateSignature(payload, tt.signature, tt.secret); got != tt.want {
				t.Errorf("ValidateSignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestSign verifies that Sign produces signatures ValidateSignature accepts
func TestSign(t *testing.T) {
	payload := []byte(`{"projectId":"proj-1"}`)
	want := "sha256=e01c84170d095884e2079c2480a41e776418df63b59c345c70add0f2e388dc53"

	if got := Sign(payload, "test-secret"); got != want {
		t.Errorf("Sign() = %s, want %s", got, want)
	}
	if !ValidateSignature(payload, Sign(payload, "test-secret"), "test-secret") {
		t.Error("ValidateSignature rejects a signature produced by Sign")
	}
}
