package users

import (
	"github.com/dmitrijs2005/gophmsn/internal/protocol"
	"github.com/dmitrijs2005/gophmsn/internal/server/models"
)

func sampleUser(name string) *models.User {
	u := models.NewUser(name, "Nick%20"+name, "abcdEFGH12345678", "0123456789abcdef0123456789abcdef")
	u.Groups = append(u.Groups, "Work")
	u.AddToList(protocol.ForwardList, "bob@example.com")
	u.Contacts["bob@example.com"].Groups = []int{0, 1}
	return u
}
