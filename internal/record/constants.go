// Package record defines fixed-width schemas and converts records to and from
// their exact on-disk byte representation.
package record

// PadByte fills the unused tail of a text field.
const PadByte = 0x00

// MaxTextWidth is the widest text field a schema may declare.
const MaxTextWidth = 1<<16 - 1

// MaxNameLen is the longest field name a schema may declare.
const MaxNameLen = 1<<16 - 1
