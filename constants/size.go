package constants

// size
const (
	WordSize       = 8
	FptrSize       = 2 * WordSize // target, gp
	JmpslotSize    = 2 * WordSize
	PLTReserveSize = 3 * WordSize // obj, bind target, bind gp
	FptrChunkSize  = 64
	PageSize       = 1 << 12 //4096
)
