package constants

// name of the loader's own image when the configuration gives none
const RtldName = "ld-elf.so.1"
