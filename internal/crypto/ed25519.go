// Package crypto 校验客户端提交的消息签名。密钥和密文由客户端生成，服务端只做验证。
package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	ErrInvalidPublicKey = errors.New("invalid Ed25519 public key")
	ErrInvalidSignature = errors.New("invalid signature")
)

// Verifier 校验 (message, signature, publicKey)，签名和公钥均为 base64。
type Verifier interface {
	Verify(message []byte, signatureB64, publicKeyB64 string) bool
}

// Ed25519Verifier 是默认的 Verifier 实现
type Ed25519Verifier struct{}

// NewEd25519Verifier 创建校验器
func NewEd25519Verifier() *Ed25519Verifier { return &Ed25519Verifier{} }

// Verify 实现 Verifier。任何解码失败都视为签名无效。
func (Ed25519Verifier) Verify(message []byte, signatureB64, publicKeyB64 string) bool {
	pub, err := ParsePublicKey(publicKeyB64)
	if err != nil {
		return false
	}
	return VerifySignature(pub, message, signatureB64) == nil
}

// ParsePublicKey 解码 base64 公钥并检查长度
func ParsePublicKey(pubkeyB64 string) (ed25519.PublicKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(pubkeyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 encoding", ErrInvalidPublicKey)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidPublicKey, ed25519.PublicKeySize, len(decoded))
	}
	return ed25519.PublicKey(decoded), nil
}

// VerifySignature 校验 base64 签名
func VerifySignature(pub ed25519.PublicKey, data []byte, signatureB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: invalid base64 encoding", ErrInvalidSignature)
	}
	if len(sig) != ed25519.SignatureSize || !ed25519.Verify(pub, data, sig) {
		return ErrInvalidSignature
	}
	return nil
}
