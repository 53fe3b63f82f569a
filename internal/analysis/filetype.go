package analysis

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/h2non/filetype"
)

// HeaderSize filetype 识别所需的文件头长度
const HeaderSize = 262

// Risk 风险等级
type Risk string

const (
	RiskSafe   Risk = "SAFE"
	RiskMedium Risk = "MEDIUM"
	RiskHigh   Risk = "HIGH"
)

// Result 检测结果
type Result struct {
	Masquerade  bool   // 后缀与文件头不符
	RealExt     string // 文件头识别出的类型, 识别不了为 "unknown"
	DeclaredExt string // 文件名声明的后缀
	Risk        Risk
	Message     string
}

// Inspector 根据文件头识别主机侧介质上文件的真实类型
type Inspector struct {
	mu      sync.RWMutex
	aliases map[string]map[string]bool // 真实类型 -> 可接受的后缀
}

func NewInspector() *Inspector {
	t := &Inspector{aliases: make(map[string]map[string]bool)}
	t.defaultAliases()
	return t
}

// Allow 登记 realExt 类型可以使用的后缀
func (t *Inspector) Allow(realExt string, exts ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.aliases[realExt]
	if !ok {
		m = make(map[string]bool)
		t.aliases[realExt] = m
	}
	m[realExt] = true
	for _, ext := range exts {
		m[strings.ToLower(ext)] = true
	}
}

func (t *Inspector) defaultAliases() {
	// zip 容器
	t.Allow("zip",
		"docx", "docm", "dotx", "dotm",
		"xlsx", "xlsm", "xltx", "xltm",
		"pptx", "pptm", "potx", "potm",
		"jar", "war", "ear", "apk",
		"odt", "ods", "odp",
		"crx", "whl", "nupkg",
	)
	t.Allow("xml", "svg", "html", "htm", "kml", "dae", "plist", "config")
	t.Allow("mp4", "m4v", "mov", "qt")
	t.Allow("mov", "qt", "mp4")
	t.Allow("ogg", "ogv", "oga", "spx")
	t.Allow("exe", "dll", "sys", "scr", "cpl", "ocx")
	t.Allow("gz", "gzip", "tgz")
	t.Allow("jpg", "jpeg", "jpe")
	t.Allow("tif", "tiff")
}

// Kind 文件头对应的类型后缀, 无法识别返回 "unknown"
func Kind(head []byte) string {
	if len(head) == 0 {
		return "unknown"
	}
	kind, _ := filetype.Match(head)
	if kind == filetype.Unknown {
		return "unknown"
	}
	return kind.Extension
}

// InspectHeader 用已读出的文件头检测 name 是否伪装
func (t *Inspector) InspectHeader(name string, head []byte) *Result {
	declared := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if declared == "" {
		return &Result{RealExt: Kind(head), Risk: RiskSafe, Message: "No extension"}
	}
	if len(head) == 0 {
		return &Result{RealExt: "unknown", DeclaredExt: declared, Risk: RiskSafe, Message: "Empty file"}
	}

	realExt := Kind(head)
	// 纯文本类文件没有魔数
	if realExt == "unknown" {
		return &Result{
			RealExt:     realExt,
			DeclaredExt: declared,
			Risk:        RiskSafe,
			Message:     "Unknown binary signature (likely text)",
		}
	}
	if realExt == declared {
		return &Result{RealExt: realExt, DeclaredExt: declared, Risk: RiskSafe}
	}

	t.mu.RLock()
	ok := t.aliases[realExt][declared]
	t.mu.RUnlock()
	if ok {
		return &Result{
			RealExt:     realExt,
			DeclaredExt: declared,
			Risk:        RiskSafe,
			Message:     fmt.Sprintf("Allowed alias: %s is compatible with %s", declared, realExt),
		}
	}

	risk := RiskMedium
	if realExt == "exe" || realExt == "elf" || realExt == "dll" {
		risk = RiskHigh
	}
	return &Result{
		Masquerade:  true,
		RealExt:     realExt,
		DeclaredExt: declared,
		Risk:        risk,
		Message:     fmt.Sprintf("Type Mismatch! Header is '%s' but file is '%s'", realExt, declared),
	}
}

// Inspect 读取文件头后检测
func (t *Inspector) Inspect(path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file failed: %w", err)
	}
	defer f.Close()

	head, err := ReadHeader(f)
	if err != nil {
		return nil, err
	}
	return t.InspectHeader(path, head), nil
}

// ReadHeader 读取至多 HeaderSize 字节
func ReadHeader(r io.Reader) ([]byte, error) {
	head := make([]byte, HeaderSize)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("read header: %w", err)
	}
	return head[:n], nil
}
