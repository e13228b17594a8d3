package config

// Template is a small but complete load graph: the loader, a program and the
// C library it imports puts from, through both a descriptor and a jump slot.
// Objects are listed in load order, so dependencies come last.
const Template = `chunk_size = 64
cache_size = 1024
heap_base = 0x40000000
heap_limit = 0x50000000

[loader]
path = "/libexec/ld-elf.so.1"
base = 0x10000
size = 0x4000
pltgot = 0x3000
static_chunk = 0x1000
bind_start = "_rtld_bind_start"

  [[loader.symbol]]
  name = "_rtld_bind_start"
  value = 0x100

  [[loader.symbol]]
  name = "dlopen"
  value = 0x200

  [[loader.rela]]
  offset = 0x2000
  type = "R_IA64_FPTR64LSB"
  symbol = "dlopen"

  [[loader.rela]]
  offset = 0x2008
  type = "R_IA64_REL64LSB"

[[object]]
path = "/usr/bin/hello"
base = 0x200000
size = 0x4000
pltgot = 0x3000
plt_reserve = 0x3180
init = "_init"

  [[object.symbol]]
  name = "_init"
  value = 0x80

  [[object.symbol]]
  name = "main"
  value = 0x100

  [[object.symbol]]
  name = "puts"
  undefined = true

  [[object.symbol]]
  name = "__cxa_finalize"
  bind = "weak"
  undefined = true

  [[object.rela]]
  offset = 0x2000
  type = "R_IA64_FPTR64LSB"
  symbol = "puts"

  [[object.rela]]
  offset = 0x2008
  type = "R_IA64_FPTR64LSB"
  symbol = "puts"

  [[object.rela]]
  offset = 0x2010
  type = "R_IA64_FPTR64LSB"
  symbol = "main"

  [[object.rela]]
  offset = 0x2018
  type = "R_IA64_FPTR64LSB"
  symbol = "__cxa_finalize"

  [[object.rela]]
  offset = 0x2021
  type = "R_IA64_DIR64LSB"
  symbol = "puts"
  addend = 16

  [[object.rel]]
  offset = 0x2030
  type = "R_IA64_REL64LSB"

  [[object.word]]
  offset = 0x2030
  value = 0x100

  [[object.pltrela]]
  offset = 0x3100
  type = "R_IA64_IPLTLSB"
  symbol = "puts"

  [[object.word]]
  offset = 0x3100
  value = 0x600

[[object]]
path = "/lib/libc.so.7"
base = 0x100000
size = 0x4000
pltgot = 0x3000
plt_reserve = 0x3180
init = "_init"
relro = true

  [[object.symbol]]
  name = "_init"
  value = 0x80

  [[object.symbol]]
  name = "puts"
  value = 0x400

  [[object.symbol]]
  name = "errno"
  value = 0x2800
  type = "object"

  [[object.rela]]
  offset = 0x2000
  type = "R_IA64_FPTR64LSB"
  symbol = "puts"

  [[object.rela]]
  offset = 0x2008
  type = "R_IA64_DIR64LSB"
  symbol = "errno"
`
