package config

// ConfigBackend abstracts persistent config storage. Keys are dotted paths
// such as "photos.albums".
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	GetStrings(key string) (val []string, ok bool, err error)
	Set(key string, val any) error
	Delete(key string) error
}
