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

package credentials

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/mikelane/gitopsd/internal/domain"
)

// Keys of the cluster secret, in the layout the Flux source controller reads.
const (
	SecretUsername   = "username"
	SecretPassword   = "password"
	SecretIdentity   = "identity"
	SecretIdentityPK = "identity.pub"
	SecretKnownHosts = "known_hosts"
)

// SecretRenderer opens sealed credentials and renders them for their
// consumers: cluster secrets for Flux and transport auth for go-git.
type SecretRenderer struct {
	sealer     *Sealer
	knownHosts []byte
}

// NewSecretRenderer returns a renderer. knownHosts holds known_hosts lines
// for the Git hosts reached over SSH; when empty, SSH host keys are checked
// against the process user's known_hosts files.
func NewSecretRenderer(sealer *Sealer, knownHosts []byte) *SecretRenderer {
	return &SecretRenderer{sealer: sealer, knownHosts: knownHosts}
}

// SecretData returns the data of the cluster secret for cred.
func (r *SecretRenderer) SecretData(_ context.Context, cred *domain.GitCredential) (map[string][]byte, error) {
	material, err := r.sealer.Open(cred.SecretMaterial)
	if err != nil {
		return nil, err
	}

	switch cred.Type {
	case domain.CredentialScopedToken:
		return map[string][]byte{
			SecretUsername: []byte(cred.Username),
			SecretPassword: material,
		}, nil
	case domain.CredentialDeployKey:
		data := map[string][]byte{
			SecretIdentity:   material,
			SecretIdentityPK: []byte(cred.PublicKey),
		}
		if len(r.knownHosts) > 0 {
			data[SecretKnownHosts] = r.knownHosts
		}
		return data, nil
	}
	return nil, fmt.Errorf("unsupported credential type %q", cred.Type)
}

// TransportAuth returns the go-git auth method for cred.
func (r *SecretRenderer) TransportAuth(cred *domain.GitCredential) (transport.AuthMethod, error) {
	material, err := r.sealer.Open(cred.SecretMaterial)
	if err != nil {
		return nil, err
	}

	switch cred.Type {
	case domain.CredentialScopedToken:
		return &githttp.BasicAuth{Username: cred.Username, Password: string(material)}, nil
	case domain.CredentialDeployKey:
		keys, err := gitssh.NewPublicKeys("git", material, "")
		if err != nil {
			return nil, fmt.Errorf("parse deploy key: %w", err)
		}
		if len(r.knownHosts) > 0 {
			cb, err := HostKeyCallback(r.knownHosts)
			if err != nil {
				return nil, err
			}
			keys.HostKeyCallback = cb
		}
		return keys, nil
	}
	return nil, fmt.Errorf("unsupported credential type %q", cred.Type)
}

type knownHost struct {
	hosts []string
	key   ssh.PublicKey
}

// HostKeyCallback accepts only the host keys listed in knownHosts, which uses
// the OpenSSH known_hosts format. Hashed host names are not supported.
func HostKeyCallback(knownHosts []byte) (ssh.HostKeyCallback, error) {
	var entries []knownHost
	rest := knownHosts
	for len(rest) > 0 {
		_, hosts, key, _, next, err := ssh.ParseKnownHosts(rest)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse known hosts: %w", err)
		}
		entries = append(entries, knownHost{hosts: hosts, key: key})
		rest = next
	}
	if len(entries) == 0 {
		return nil, errors.New("known hosts contain no entries")
	}

	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		addr := knownhosts.Normalize(hostname)
		for _, e := range entries {
			if !bytes.Equal(e.key.Marshal(), key.Marshal()) {
				continue
			}
			for _, h := range e.hosts {
				if knownhosts.Normalize(h) == addr {
					return nil
				}
			}
		}
		return fmt.Errorf("ssh: host key for %s is not trusted", hostname)
	}, nil
}
