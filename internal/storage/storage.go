// Package storage はストレージ抽象化レイヤーを提供します。
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
)

// Storage は成果物の保存先です。保存したオブジェクトは公開URLで参照できます。
type Storage interface {
	Save(ctx context.Context, key string, r io.Reader, contentType string) (string, error)
	Load(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	URL(key string) string
}

// SaveFile はローカルファイルを key に保存し、公開URLを返します。
func SaveFile(ctx context.Context, s Storage, key, filePath, contentType string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", filePath, err)
	}
	defer f.Close()
	return s.Save(ctx, key, f, contentType)
}

// cleanKey は先頭のスラッシュや ".." を取り除いた正規化済みのキーを返します。
func cleanKey(key string) (string, error) {
	k := path.Clean("/" + strings.ReplaceAll(key, `\`, "/"))
	k = strings.TrimPrefix(k, "/")
	if k == "" || k == "." {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return k, nil
}
