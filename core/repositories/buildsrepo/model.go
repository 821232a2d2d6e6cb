package buildsrepo

// Build is a row of the build table. PartID is stored in the part column.
type Build struct {
	ID       int64  `json:"id"`
	PartID   int64  `json:"part"`
	Title    string `json:"title"`
	Quantity int    `json:"quantity"`
}

type CreateBuild struct {
	PartID   int64  `json:"part"`
	Title    string `json:"title"`
	Quantity int    `json:"quantity"`
}
