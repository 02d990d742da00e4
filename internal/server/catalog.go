package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	catalogdomain "github.com/smallbiznis/bookshelf/internal/catalog/domain"
)

type listCatalogItemsQuery struct {
	Featured   string `form:"featured"`
	CategoryID string `form:"category_id"`
}

func (s *Server) ListCatalogItems(c *gin.Context) {
	var query listCatalogItemsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	featured, err := queryBool("featured", query.Featured, false)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	items, err := s.catalogSvc.ListItems(c.Request.Context(), catalogdomain.ListRequest{
		FeaturedOnly: featured,
		CategoryID:   strings.TrimSpace(query.CategoryID),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) GetCatalogItem(c *gin.Context) {
	itemID := strings.TrimSpace(c.Param("id"))
	c.Set("item_id", itemID)

	item, err := s.catalogSvc.GetItem(c.Request.Context(), itemID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	// Inactive items stay readable for owners through the library, not the storefront.
	if !item.Active {
		AbortWithError(c, catalogdomain.ErrNotFound)
		return
	}

	c.JSON(http.StatusOK, item)
}
