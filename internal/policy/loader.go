package policy

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// policyFile はアクセスポリシーファイルのYAML表現。
//
//	public:
//	  - {method: POST, path: /auth/login}
//	rules:
//	  - {path_prefix: orgs, method: GET, allowed_roles: [admin, manager]}
type policyFile struct {
	Public []PublicEndpoint `yaml:"public"`
	Rules  []Rule           `yaml:"rules"`
}

// LoadFile はYAMLファイルからPolicyを読み込む。
func LoadFile(path string) (*Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("アクセスポリシーファイルを開けません: %w", err)
	}
	defer f.Close()

	return Load(f)
}

// Load はYAMLからPolicyを読み込む。キー名の誤りはエラーとする。
func Load(r io.Reader) (*Policy, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc policyFile
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("アクセスポリシーの解析に失敗: %w", err)
	}
	return New(doc.Public, doc.Rules), nil
}
