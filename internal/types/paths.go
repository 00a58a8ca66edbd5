package types

import "strings"

// RoomsRoot is the store path holding every room document.
const RoomsRoot = "rooms"

// RoomPath returns the store path of a room document or of a node below it.
func RoomPath(code string, parts ...string) string {
	return strings.Join(append([]string{RoomsRoot, code}, parts...), "/")
}

func MessagesPath(code string) string     { return RoomPath(code, "messages") }
func ParticipantsPath(code string) string { return RoomPath(code, "participants") }
func QueuePath(code string) string        { return RoomPath(code, "queue") }
func AttendancePath(code string) string   { return RoomPath(code, "attendance") }
func MetaPath(code string) string         { return RoomPath(code, "meta") }
func SettingsPath(code string) string     { return RoomPath(code, "settings") }

// BlobPrefix is the prefix of every attachment blob owned by a room.
func BlobPrefix(code string) string {
	return RoomPath(code) + "/"
}
