package amd64

// Byte offsets into struct boot_params (the "zero page") and the setup
// header embedded in it at 0x1f1.
const (
	ZeroPageSize = 4096

	setupHeaderOffset = 0x1f1

	zeroPageExtRamDiskImage = 0x0c0
	zeroPageExtRamDiskSize  = 0x0c4
	zeroPageExtCmdLinePtr   = 0x0c8
	zeroPageE820Entries     = 0x1e8
	zeroPageE820Table       = 0x2d0

	setupSectsOffset          = setupHeaderOffset + 0
	setupHeaderBootFlagOffset = setupHeaderOffset + 13
	setupHeaderHeaderOffset   = setupHeaderOffset + 17
	protocolVersionOffset     = setupHeaderOffset + 21
	typeOfLoaderOffset        = setupHeaderOffset + 31
	loadFlagsOffset           = setupHeaderOffset + 32
	code32StartOffset         = setupHeaderOffset + 35
	ramdiskImageOffset        = setupHeaderOffset + 39
	ramdiskSizeOffset         = setupHeaderOffset + 43
	heapEndPtrOffset          = setupHeaderOffset + 51
	cmdLinePtrOffset          = setupHeaderOffset + 55
	initrdAddrMaxOffset       = setupHeaderOffset + 59
	kernelAlignmentOffset     = setupHeaderOffset + 63
	relocatableKernelOffset   = setupHeaderOffset + 67
	minAlignmentOffset        = setupHeaderOffset + 68
	xloadflagsOffset          = setupHeaderOffset + 69
	cmdlineSizeOffset         = setupHeaderOffset + 71
	prefAddressOffset         = setupHeaderOffset + 103
	initSizeOffset            = setupHeaderOffset + 111

	// headerLengthOffset holds the jump byte whose target ends the header.
	headerLengthOffset = 0x201
	headerMagicOffset  = 0x202
)
