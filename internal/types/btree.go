package types

// B-Trees (pages 122-134)
// The B-trees used in Apple File System are implemented using the
// btree_node_phys_t structure to represent a node. The same structure is
// used for all nodes in a tree.

// BtoffInvalid is an invalid offset.
// Reference: page 128
// This value is stored in the off field of nloc_t to indicate that there's
// no offset. For example, the last entry in a free list has no entry after
// it, so it uses this value for its off field.
const BtoffInvalid uint16 = 0xffff

// B-Tree Node Flags (pages 132-133)

// BtnodeRoot indicates the B-tree node is a root node.
// Reference: page 132
const BtnodeRoot uint16 = 0x0001

// BtnodeLeaf indicates the B-tree node is a leaf node.
// Reference: page 132
const BtnodeLeaf uint16 = 0x0002

// BtnodeFixedKvSize indicates the B-tree node has keys and values of a
// fixed size, and the table of contents omits their lengths.
// Reference: page 132
const BtnodeFixedKvSize uint16 = 0x0004
