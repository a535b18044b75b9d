package runtime

type strategy int

const (
	strategyUnknown strategy = iota
	strategyWindows
	strategyMacOS
	strategyDiskImage
)

const (
	windowsImage   = "dockurr/windows"
	macosImage     = "dockurr/macos"
	diskBootImage  = "qemux/qemu-docker"
	storageMount   = "/storage"
	bootDiskMount  = "/boot.qcow2"
	workingDiskExt = ".qcow2"
)

var windowsVersions = map[string]string{
	"windows-11":    "win11",
	"windows-10":    "win10",
	"windows-8":     "win8",
	"windows-7":     "win7",
	"windows-vista": "vista",
	"windows-xp":    "winxp",
}

var macosVersions = map[string]string{
	"macos-sonoma":   "sonoma",
	"macos-ventura":  "ventura",
	"macos-monterey": "monterey",
	"macos-big-sur":  "big-sur",
}

// resolve picks the provisioning strategy for an OS key. Disk images are
// only consulted when the key is not a prebuilt family.
func resolve(os string, hasImage func(string) bool) (strategy, string) {
	if v, ok := windowsVersions[os]; ok {
		return strategyWindows, v
	}
	if v, ok := macosVersions[os]; ok {
		return strategyMacOS, v
	}
	if hasImage(os) {
		return strategyDiskImage, ""
	}
	return strategyUnknown, ""
}
