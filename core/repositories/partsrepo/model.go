package partsrepo

// Part is a row of the part table. Only active, buildable parts may be the
// target of a build.
type Part struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Active    bool   `json:"active"`
	Buildable bool   `json:"buildable"`
}

type CreatePart struct {
	Name      string `json:"name"`
	Active    bool   `json:"active"`
	Buildable bool   `json:"buildable"`
}
