// Package config describes a simulated load graph in TOML: the loader image,
// the objects it loads and the settings of the relocation context.
package config

import (
	"debug/elf"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/pkujhd/rtld/constants"
	"github.com/pkujhd/rtld/objabi/reloctype"
)

const (
	DefaultHeapBase  = 0x40000000
	DefaultHeapLimit = 0x50000000
)

type Config struct {
	// ChunkSize is the number of descriptors per arena chunk.
	ChunkSize int `toml:"chunk_size"`
	// CacheSize bounds the global scope's name lookup cache.
	CacheSize int    `toml:"cache_size"`
	HeapBase  uint64 `toml:"heap_base"`
	HeapLimit uint64 `toml:"heap_limit"`

	Loader  Loader   `toml:"loader"`
	Objects []Object `toml:"object"`
}

// Loader is the loader's own image. StaticChunk is the offset of the storage
// reserved for the first descriptor chunk, BindStart the symbol of the lazy
// binding trampoline.
type Loader struct {
	Object
	StaticChunk uint64 `toml:"static_chunk"`
	BindStart   string `toml:"bind_start"`
}

type Object struct {
	Path string `toml:"path"`
	Base uint64 `toml:"base"`
	Size uint64 `toml:"size"`
	// offsets from Base
	PLTGOT     uint64 `toml:"pltgot"`
	PLTReserve uint64 `toml:"plt_reserve"`
	// symbol names
	Init string `toml:"init"`
	Fini string `toml:"fini"`
	// RELRO makes the image read-only once it is relocated, when jump slots
	// are bound eagerly.
	RELRO bool `toml:"relro"`

	Symbols []Symbol `toml:"symbol"`
	Rel     []Reloc  `toml:"rel"`
	Rela    []Reloc  `toml:"rela"`
	PLTRel  []Reloc  `toml:"pltrel"`
	PLTRela []Reloc  `toml:"pltrela"`
	Words   []Word   `toml:"word"`
}

type Symbol struct {
	Name      string `toml:"name"`
	Value     uint64 `toml:"value"`
	Bind      string `toml:"bind"`
	Type      string `toml:"type"`
	Undefined bool   `toml:"undefined"`
}

type Reloc struct {
	Offset uint64 `toml:"offset"`
	Type   string `toml:"type"`
	Symbol string `toml:"symbol"`
	Addend int64  `toml:"addend"`
}

// Word is initial image contents, as the static linker left them.
type Word struct {
	Offset uint64 `toml:"offset"`
	Value  uint64 `toml:"value"`
}

var binds = map[string]elf.SymBind{
	"":       elf.STB_GLOBAL,
	"global": elf.STB_GLOBAL,
	"weak":   elf.STB_WEAK,
	"local":  elf.STB_LOCAL,
}

var types = map[string]elf.SymType{
	"":       elf.STT_FUNC,
	"func":   elf.STT_FUNC,
	"object": elf.STT_OBJECT,
	"notype": elf.STT_NOTYPE,
}

func Default() *Config {
	return &Config{
		ChunkSize: constants.FptrChunkSize,
		HeapBase:  DefaultHeapBase,
		HeapLimit: DefaultHeapLimit,
	}
}

// Load reads and validates the TOML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg, err := Parse(string(data))
	if err != nil {
		return nil, errors.Wrapf(err, "load config %s", path)
	}
	return cfg, nil
}

// Parse decodes data over the defaults and validates the result.
func Parse(data string) (*Config, error) {
	cfg := Default()
	meta, err := toml.Decode(data, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, errors.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Loader.Path == "" {
		c.Loader.Path = constants.RtldName
	}
	if c.ChunkSize <= 0 {
		return errors.Errorf("chunk_size must be positive, got %d", c.ChunkSize)
	}
	if c.HeapLimit <= c.HeapBase {
		return errors.Errorf("empty heap 0x%x-0x%x", c.HeapBase, c.HeapLimit)
	}
	if err := c.Loader.validate(); err != nil {
		return errors.Wrap(err, "loader")
	}
	if c.Loader.StaticChunk%constants.FptrSize != 0 ||
		c.Loader.StaticChunk+uint64(c.ChunkSize)*constants.FptrSize > c.Loader.Size {
		return errors.Errorf("loader: static chunk at 0x%x does not fit %d descriptors", c.Loader.StaticChunk, c.ChunkSize)
	}
	if c.Loader.StaticChunk == 0 && c.Loader.Base == 0 {
		return errors.New("loader: static chunk must not be at address zero")
	}
	if c.Loader.BindStart == "" {
		return errors.New("loader: bind_start is required")
	}
	if _, ok := c.Loader.symbolIndex(c.Loader.BindStart); !ok {
		return errors.Errorf("loader: bind_start symbol %q not defined", c.Loader.BindStart)
	}

	images := []*Object{&c.Loader.Object}
	seen := map[string]bool{c.Loader.Path: true}
	for i := range c.Objects {
		obj := &c.Objects[i]
		if err := obj.validate(); err != nil {
			return errors.Wrapf(err, "object %d", i)
		}
		if seen[obj.Path] {
			return errors.Errorf("object %d: duplicate path %s", i, obj.Path)
		}
		seen[obj.Path] = true
		images = append(images, obj)
	}
	for i, a := range images {
		for _, b := range images[i+1:] {
			if a.Base < b.Base+b.Size && b.Base < a.Base+a.Size {
				return errors.Errorf("%s and %s overlap", a.Path, b.Path)
			}
		}
		if a.Base < c.HeapLimit && c.HeapBase < a.Base+a.Size {
			return errors.Errorf("%s overlaps the heap", a.Path)
		}
	}
	return nil
}

func (o *Object) validate() error {
	if o.Path == "" {
		return errors.New("path is required")
	}
	if o.Size == 0 || o.Base%constants.PageSize != 0 {
		return errors.Errorf("%s: image 0x%x+0x%x must be non-empty and page aligned", o.Path, o.Base, o.Size)
	}
	for _, s := range o.Symbols {
		if _, ok := binds[s.Bind]; !ok {
			return errors.Errorf("%s: symbol %s: unknown bind %q", o.Path, s.Name, s.Bind)
		}
		if _, ok := types[s.Type]; !ok {
			return errors.Errorf("%s: symbol %s: unknown type %q", o.Path, s.Name, s.Type)
		}
	}
	for _, name := range []string{o.Init, o.Fini} {
		if name == "" {
			continue
		}
		if _, ok := o.symbolIndex(name); !ok {
			return errors.Errorf("%s: init/fini symbol %q not defined", o.Path, name)
		}
	}
	if len(o.PLTRel) != 0 && len(o.PLTRela) != 0 {
		return errors.Errorf("%s: both pltrel and pltrela given", o.Path)
	}
	for _, stream := range [][]Reloc{o.Rel, o.Rela, o.PLTRel, o.PLTRela} {
		for _, r := range stream {
			if _, ok := reloctype.Parse(r.Type); !ok {
				return errors.Errorf("%s: unknown relocation type %q", o.Path, r.Type)
			}
			if r.Symbol != "" {
				if _, ok := o.symbolIndex(r.Symbol); !ok {
					return errors.Errorf("%s: relocation against unknown symbol %q", o.Path, r.Symbol)
				}
			}
			if r.Offset+constants.WordSize > o.Size {
				return errors.Errorf("%s: relocation at 0x%x outside the image", o.Path, r.Offset)
			}
		}
	}
	for _, w := range o.Words {
		if w.Offset+constants.WordSize > o.Size {
			return errors.Errorf("%s: word at 0x%x outside the image", o.Path, w.Offset)
		}
	}
	if o.PLTReserve != 0 && o.PLTReserve+constants.PLTReserveSize > o.Size {
		return errors.Errorf("%s: PLT reserve at 0x%x outside the image", o.Path, o.PLTReserve)
	}
	return nil
}

// symbolIndex is the symbol table index of name; index 0 is the null symbol.
func (o *Object) symbolIndex(name string) (uint32, bool) {
	for i, s := range o.Symbols {
		if s.Name == name {
			return uint32(i + 1), true
		}
	}
	return 0, false
}
