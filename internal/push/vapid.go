package push

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/buhmarket/internal/logger"
)

// VAPIDKeys — пара ключей для Web Push (VAPID), base64url без паддинга.
type VAPIDKeys struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

const (
	DefaultVAPIDKeysPath = "config/vapid.json"
	// сроки хранения пуша на стороне push-сервиса браузера
	alertTTLSeconds = 12 * 60 * 60
)

var ErrInvalidVAPIDKeys = errors.New("push: invalid VAPID keys")

// Validate проверяет формат: публичный ключ — несжатая точка P-256 (65 байт), приватный — 32 байта.
func (k *VAPIDKeys) Validate() error {
	if k == nil || k.PublicKey == "" || k.PrivateKey == "" {
		return ErrInvalidVAPIDKeys
	}
	pub, err := decodeKey(k.PublicKey)
	if err != nil || len(pub) != 65 || pub[0] != 0x04 {
		return fmt.Errorf("%w: public key", ErrInvalidVAPIDKeys)
	}
	priv, err := decodeKey(k.PrivateKey)
	if err != nil || len(priv) == 0 || len(priv) > 32 {
		return fmt.Errorf("%w: private key", ErrInvalidVAPIDKeys)
	}
	return nil
}

// decodeKey: браузеры и генераторы отдают base64url как с паддингом, так и без.
func decodeKey(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.URLEncoding, base64.StdEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("not base64")
}

// options — параметры отправки: уведомления о заказах и сообщениях живут 12 часов.
func (k *VAPIDKeys) options(subscriber string, httpClient webpush.HTTPClient) *webpush.Options {
	return &webpush.Options{
		HTTPClient:      httpClient,
		Subscriber:      subscriber,
		VAPIDPublicKey:  k.PublicKey,
		VAPIDPrivateKey: k.PrivateKey,
		TTL:             alertTTLSeconds,
		Urgency:         webpush.UrgencyNormal,
	}
}

// GenerateVAPIDKeys создаёт новую пару.
func GenerateVAPIDKeys() (*VAPIDKeys, error) {
	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return nil, fmt.Errorf("push.GenerateVAPIDKeys: %w", err)
	}
	return &VAPIDKeys{PublicKey: pub, PrivateKey: priv}, nil
}

// ResolveVAPIDKeys выбирает ключи: из env (fromEnv), иначе из файла path, иначе генерирует и
// сохраняет в path. Битые ключи из env — ошибка; битый файл перезаписывается.
func ResolveVAPIDKeys(fromEnv VAPIDKeys, path string) (*VAPIDKeys, error) {
	if fromEnv.PublicKey != "" || fromEnv.PrivateKey != "" {
		if err := fromEnv.Validate(); err != nil {
			return nil, fmt.Errorf("push.ResolveVAPIDKeys env: %w", err)
		}
		return &fromEnv, nil
	}
	if path == "" {
		path = DefaultVAPIDKeysPath
	}
	keys, err := loadVAPIDKeys(path)
	if err == nil {
		if verr := keys.Validate(); verr == nil {
			return keys, nil
		} else {
			logger.Errorf("push: VAPID-ключи в %s повреждены (%v), генерируем новые", path, verr)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		logger.Errorf("push: чтение %s: %v", path, err)
	}

	keys, err = GenerateVAPIDKeys()
	if err != nil {
		return nil, err
	}
	if err := saveVAPIDKeys(path, keys); err != nil {
		// подписки браузеров привяжутся к ключу, который потеряется при рестарте
		logger.Errorf("push: не удалось сохранить VAPID-ключи в %s: %v", path, err)
		return keys, nil
	}
	logger.Infof("push: VAPID-ключи сгенерированы и сохранены в %s", path)
	return keys, nil
}

func loadVAPIDKeys(path string) (*VAPIDKeys, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var keys VAPIDKeys
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &keys, nil
}

func saveVAPIDKeys(path string, keys *VAPIDKeys) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
