package common

const (
	PAGE_SIZE = 4096 // size of a cached page, in bytes

	ROOT_MOUNT MountId = 0 // the ramfs mounted at "/" during boot
	NO_MOUNT   MountId = 0 // value of mount-here on a plain directory
	NO_INODE   InodeId = 0 // never a valid inode

	MAX_SYMLINK_DEPTH = 8 // default bound on nested symlink expansion

	NR_PAGES     = 512 // default soft capacity of the block cache
	NR_IDLE_NODE = 256 // default number of unreferenced nodes kept cached
)
